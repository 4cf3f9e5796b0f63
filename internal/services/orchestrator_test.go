package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/provider"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	orch     *Orchestrator
	ledger   *memLedger
	catalog  *memCatalog
	chain    *fakeChain
	wallet   *fakeWallet
	adapter  *fakeAdapter
	media    *fakeMedia
	events   *recordingPublisher
	clock    *testClock
	treasury solana.PublicKey

	providerID     uuid.UUID
	providerWallet string
	clientKey      solana.PublicKey
	txSeq          int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		ledger:     newMemLedger(clock.Now),
		catalog:    &memCatalog{services: map[uuid.UUID]*models.Service{}},
		chain:      &fakeChain{},
		wallet:     &fakeWallet{canCover: true},
		adapter:    &fakeAdapter{key: "fake"},
		media:      &fakeMedia{},
		events:     &recordingPublisher{},
		clock:      clock,
		treasury:   newAddress(),
		providerID: uuid.New(),
		clientKey:  newAddress(),
	}
	h.providerWallet = newAddress().String()
	agents := &memAgents{agents: map[uuid.UUID]*models.Agent{
		h.providerID: {ID: h.providerID, Name: "render-bot", OwnerWallet: h.providerWallet, Status: models.AgentStatusActive},
	}}
	logger := quietLogger()
	h.orch = NewOrchestrator(Orchestrator{
		Orders:    h.ledger,
		Services:  h.catalog,
		Agents:    agents,
		Verifier:  NewPaymentVerifier(h.ledger, h.chain, h.treasury.String(), decimal.RequireFromString("0.01"), logger),
		Settler:   NewSettler(h.wallet, h.ledger, 5, logger),
		Quota:     NewQuotaMeter(h.ledger),
		Providers: provider.NewRegistry(h.adapter),
		Media:     h.media,
		Events:    h.events,
		Logger:    logger,
		Now:       clock.Now,
	})
	return h
}

func (h *harness) client() Actor { return Actor{Wallet: h.clientKey.String()} }

func (h *harness) provider() Actor {
	id := h.providerID
	return Actor{AgentID: &id}
}

func (h *harness) addService(mut func(s *models.Service)) *models.Service {
	svc := &models.Service{
		ID:        uuid.New(),
		AgentID:   h.providerID,
		Title:     "Logo design",
		PriceUSD:  decimal.NewFromInt(10),
		PriceType: models.PriceTypeFixed,
		IsActive:  true,
	}
	if mut != nil {
		mut(svc)
	}
	h.catalog.services[svc.ID] = svc
	return svc
}

func automated(s *models.Service) {
	key := "fake"
	s.ProviderKey = &key
}

func workspace(quota int) func(s *models.Service) {
	return func(s *models.Service) {
		automated(s)
		s.QuotaLimit = quota
		s.BillingPeriod = models.BillingWeekly
		s.PriceUSD = decimal.NewFromInt(30)
	}
}

func (h *harness) order(t *testing.T, svc *models.Service) *models.Order {
	t.Helper()
	o, err := h.orch.Create(context.Background(), h.client(), CreateOrderInput{ServiceID: svc.ID, Brief: "a red fox logo"})
	require.NoError(t, err)
	return o
}

// fund puts a transfer of amountUSD from the client to the treasury on chain.
func (h *harness) fund(amountUSD string) string {
	h.txSeq++
	sig := "tx-" + uuid.NewString()
	h.chain.addTransfer(sig, h.clientKey, h.treasury, amountUSD)
	return sig
}

func (h *harness) pay(t *testing.T, o *models.Order) *Result {
	t.Helper()
	sig := h.fund(o.TotalDueUSD().StringFixed(2))
	res, err := h.orch.Pay(context.Background(), h.client(), o.ID, PayInput{TxHash: sig})
	require.NoError(t, err)
	return res
}

func (h *harness) delivered(t *testing.T) *models.Order {
	t.Helper()
	o := h.order(t, h.addService(nil))
	h.pay(t, o)
	o, err := h.orch.Deliver(context.Background(), h.provider(), o.ID, DeliverInput{DeliverableURL: "https://files.example/logo.svg"})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusDelivered, o.Status)
	return o
}

func assertKind(t *testing.T, err error, kind Kind, target error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, KindOf(err), "error: %v", err)
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}

// ---- create and quote

func TestCreate_FixedPriceStartsQuoted(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))

	assert.Equal(t, models.OrderStatusQuoted, o.Status)
	assert.Equal(t, "10.00", o.QuotedPriceUSD.StringFixed(2))
	assert.Equal(t, "1.00", o.PlatformFeeUSD.StringFixed(2))
	assert.Equal(t, "11.00", o.TotalDueUSD().StringFixed(2))
	assert.Equal(t, h.clientKey.String(), *o.ClientWallet)
}

func TestCreate_RejectsOwnServiceAndInactive(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(nil)
	_, err := h.orch.Create(context.Background(), h.provider(), CreateOrderInput{ServiceID: svc.ID})
	assertKind(t, err, KindForbidden, ErrForbidden)

	off := h.addService(func(s *models.Service) { s.IsActive = false })
	_, err = h.orch.Create(context.Background(), h.client(), CreateOrderInput{ServiceID: off.ID})
	assertKind(t, err, KindValidation, ErrServiceNotFound)

	_, err = h.orch.Create(context.Background(), h.client(), CreateOrderInput{ServiceID: uuid.New()})
	assertKind(t, err, KindNotFound, ErrServiceNotFound)
}

func TestQuote_SetsTenPercentFee(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(func(s *models.Service) { s.PriceType = models.PriceTypeQuote; s.PriceUSD = decimal.Zero })
	o := h.order(t, svc)
	require.Equal(t, models.OrderStatusPendingQuote, o.Status)

	_, err := h.orch.Quote(context.Background(), h.client(), o.ID, decimal.NewFromInt(10))
	assertKind(t, err, KindForbidden, ErrForbidden)

	_, err = h.orch.Quote(context.Background(), h.provider(), o.ID, decimal.Zero)
	assertKind(t, err, KindValidation, ErrInvalidPrice)

	o, err = h.orch.Quote(context.Background(), h.provider(), o.ID, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusQuoted, o.Status)
	assert.Equal(t, "1.00", o.PlatformFeeUSD.StringFixed(2))

	_, err = h.orch.Quote(context.Background(), h.provider(), o.ID, decimal.NewFromInt(12))
	assertKind(t, err, KindValidation, ErrInvalidTransition)

	o, err = h.orch.Accept(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, o.Status)

	res := h.pay(t, o)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
}

// ---- payment

func TestPay_ManualServiceMarksPaid(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))

	res := h.pay(t, o)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.Order.EscrowTxHash)
	assert.Empty(t, res.FulfillmentError)
	assert.Equal(t, []string{EventOrderPaid}, h.events.types())
}

func TestPay_RejectsReusedTransaction(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(nil)
	first, second := h.order(t, svc), h.order(t, svc)

	sig := h.fund("11.00")
	_, err := h.orch.Pay(context.Background(), h.client(), first.ID, PayInput{TxHash: sig})
	require.NoError(t, err)

	_, err = h.orch.Pay(context.Background(), h.client(), second.ID, PayInput{TxHash: sig})
	assertKind(t, err, KindPayment, ErrTxAlreadyUsed)

	got, err := h.orch.Get(context.Background(), h.client(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusQuoted, got.Status)
}

func TestPay_ConcurrentReuseFundsOneOrder(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(nil)
	orders := make([]*models.Order, 8)
	for i := range orders {
		orders[i] = h.order(t, svc)
	}
	sig := h.fund("11.00")

	var wg sync.WaitGroup
	errs := make([]error, len(orders))
	for i, o := range orders {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.orch.Pay(context.Background(), h.client(), id, PayInput{TxHash: sig})
		}(i, o.ID)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrTxAlreadyUsed)
	}
	assert.Equal(t, 1, ok)
}

func TestPay_VerificationFailuresLeaveOrderUnpaid(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(nil)

	cases := []struct {
		name   string
		sig    func() string
		target error
	}{
		{"amount below due", func() string { return h.fund("10.00") }, ErrAmountMismatch},
		{"unknown transaction", func() string { return "missing" }, ErrTxNotFound},
		{"wrong recipient", func() string {
			h.chain.addTransfer("tx-elsewhere", h.clientKey, newAddress(), "11.00")
			return "tx-elsewhere"
		}, ErrWrongRecipient},
		{"wrong payer", func() string {
			h.chain.addTransfer("tx-stranger", newAddress(), h.treasury, "11.00")
			return "tx-stranger"
		}, ErrWrongPayer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := h.order(t, svc)
			_, err := h.orch.Pay(context.Background(), h.client(), o.ID, PayInput{TxHash: tc.sig()})
			assertKind(t, err, KindPayment, tc.target)

			got, err := h.orch.Get(context.Background(), h.client(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusQuoted, got.Status)
			assert.Nil(t, got.EscrowTxHash)
		})
	}
}

func TestPay_WithinToleranceAccepted(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	sig := h.fund("10.99")
	res, err := h.orch.Pay(context.Background(), h.client(), o.ID, PayInput{TxHash: sig})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
}

// ---- automated fulfillment

func TestPay_AutomatedServiceIsDelivered(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(automated))

	res := h.pay(t, o)
	require.Empty(t, res.FulfillmentError)
	got := res.Order
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
	require.NotNil(t, got.DeliverableURL)
	assert.Equal(t, "https://media.example/copied", *got.DeliverableURL)
	assert.Equal(t, "image/png", *got.DeliverableMediaType)
	require.NotNil(t, got.ReviewDeadline)
	assert.Equal(t, h.clock.Now().Add(DefaultReviewWindow), *got.ReviewDeadline)
	assert.Equal(t, 1, got.FulfillmentAttempts)
	assert.Equal(t, []string{EventOrderPaid, EventOrderMessage}, h.events.types())
}

func TestPay_InlineOutputIsSaved(t *testing.T) {
	h := newHarness(t)
	h.adapter.res = &provider.Result{MediaType: "text/markdown", Data: []byte("# copy")}
	o := h.order(t, h.addService(automated))

	res := h.pay(t, o)
	assert.Equal(t, models.OrderStatusDelivered, res.Order.Status)
	assert.Equal(t, "https://media.example/saved", *res.Order.DeliverableURL)
	assert.Equal(t, 1, h.media.saves)
	assert.Equal(t, 0, h.media.copies)
}

func TestFulfill_FailuresFallBackUntilAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	h.adapter.setErr(errors.New("upstream 500"))
	o := h.order(t, h.addService(automated))

	res := h.pay(t, o)
	assert.NotEmpty(t, res.FulfillmentError)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, 1, res.Order.FulfillmentAttempts)

	for i := 2; i <= DefaultMaxFulfillmentAttempts; i++ {
		got, err := h.orch.Fulfill(context.Background(), h.client(), o.ID)
		assertKind(t, err, KindProvider, ErrGenerationFailed)
		assert.Equal(t, models.OrderStatusPaid, got.Status)
		assert.Equal(t, i, got.FulfillmentAttempts)
	}

	_, err := h.orch.Fulfill(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrAttemptsExhausted)
	assert.Equal(t, DefaultMaxFulfillmentAttempts, h.adapter.calls)

	got, err := h.orch.Deliver(context.Background(), h.provider(), o.ID, DeliverInput{DeliverableURL: "https://files.example/manual.png"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
}

func TestFulfill_ContentRejection(t *testing.T) {
	h := newHarness(t)
	h.adapter.setErr(&provider.Error{Provider: "fake", Kind: provider.KindRejected, Err: errors.New("nsfw")})
	o := h.order(t, h.addService(automated))

	res := h.pay(t, o)
	assert.Contains(t, res.FulfillmentError, ErrContentRejected.Error())
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
}

func TestFulfill_ManualServiceHasNoProvider(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)
	_, err := h.orch.Fulfill(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrNoProvider)
}

// ---- workspace

func TestWorkspace_QuotaOfFifteen(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(workspace(15)))

	res := h.pay(t, o)
	got := res.Order
	require.Equal(t, models.OrderStatusInProgress, got.Status)
	assert.Equal(t, 15, got.QuotaTotal)
	require.NotNil(t, got.WorkspaceExpiresAt)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), *got.WorkspaceExpiresAt)

	for i := 1; i <= 15; i++ {
		d, err := h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "variation"})
		require.NoError(t, err, "generation %d", i)
		assert.Equal(t, models.DeliverableStatusCompleted, d.Status)
	}

	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
	assert.Equal(t, 15, got.QuotaUsed)
	assert.Equal(t, 0, got.QuotaReserved)

	_, err = h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "one more"})
	assertKind(t, err, KindValidation, ErrQuotaExhausted)

	list, err := h.orch.Deliverables(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Len(t, list, 15)
}

func TestWorkspace_FailedGenerationDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(workspace(3)))
	h.pay(t, o)

	h.adapter.setErr(errors.New("gpu unavailable"))
	d, err := h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "a cat"})
	assertKind(t, err, KindProvider, ErrGenerationFailed)
	require.NotNil(t, d)
	assert.Equal(t, models.DeliverableStatusFailed, d.Status)
	require.NotNil(t, d.Error)

	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.QuotaUsed)
	assert.Equal(t, 0, got.QuotaReserved)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)

	h.adapter.setErr(nil)
	_, err = h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "a cat"})
	require.NoError(t, err)
	got, err = h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuotaUsed)
}

func TestWorkspace_ConcurrentGenerationsRespectQuota(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(workspace(3)))
	h.pay(t, o)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "burst"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, KindValidation, KindOf(err), "error: %v", err)
	}
	assert.Equal(t, 3, ok)

	got, err := h.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.QuotaUsed)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
}

func TestWorkspace_WindowExpiryDelivers(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(workspace(5)))
	h.pay(t, o)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err := h.orch.Generate(context.Background(), h.client(), o.ID, GenerateInput{Prompt: "late"})
	assertKind(t, err, KindValidation, ErrWindowExpired)

	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
	assert.Equal(t, 0, h.adapter.calls)
}

func TestGenerate_RejectsNonWorkspaceAndEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	plain := h.order(t, h.addService(nil))
	h.pay(t, plain)
	_, err := h.orch.Generate(context.Background(), h.client(), plain.ID, GenerateInput{Prompt: "x"})
	assertKind(t, err, KindValidation, ErrNotWorkspace)

	ws := h.order(t, h.addService(workspace(2)))
	_, err = h.orch.Generate(context.Background(), h.client(), ws.ID, GenerateInput{Prompt: "x"})
	assertKind(t, err, KindValidation, ErrInvalidTransition)

	h.pay(t, ws)
	_, err = h.orch.Generate(context.Background(), h.client(), ws.ID, GenerateInput{Prompt: "  "})
	assertKind(t, err, KindValidation, ErrMissingField)
}

// ---- approval and settlement

func TestApprove_PaysProviderPriceOnly(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)

	res, err := h.orch.Approve(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, res.SettlementWarning)
	assert.Equal(t, models.OrderStatusCompleted, res.Order.Status)
	require.NotNil(t, res.Order.PayoutTxHash)
	require.NotNil(t, res.Order.CompletedAt)

	sent := h.wallet.transfers()
	require.Len(t, sent, 1)
	assert.Equal(t, h.providerWallet, sent[0].To)
	assert.Equal(t, "10.00", sent[0].Amount.StringFixed(2))
	assert.Contains(t, h.events.types(), EventOrderCompleted)
}

func TestApprove_ConcurrentCallsPayOnce(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Approve(context.Background(), h.client(), o.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		kind := KindOf(err)
		assert.True(t, kind == KindConflict || kind == KindValidation, "error: %v", err)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, h.wallet.transfers(), 1)
	assert.Len(t, h.ledger.payoutRecords(), 1)
}

func TestApprove_PayoutFailureCompletesWithWarning(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)
	h.wallet.prepareErr = &chain.TransferError{Err: chain.ErrInsufficientBalance}

	res, err := h.orch.Approve(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, res.Order.Status)
	assert.NotEmpty(t, res.SettlementWarning)
	assert.Nil(t, res.Order.PayoutTxHash)

	pending := h.ledger.pendingSettlements()
	require.Len(t, pending, 1)
	assert.Equal(t, models.SettlementPayout, pending[0].Kind)
	assert.Equal(t, models.PendingSettlementOpen, pending[0].State)
	assert.Equal(t, "10.00", pending[0].AmountUSD.StringFixed(2))
}

func TestDispute_FreezesFunds(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)

	got, err := h.orch.Dispute(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDisputed, got.Status)
	assert.Empty(t, h.wallet.transfers())

	_, err = h.orch.Approve(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrInvalidTransition)
}

func TestReviewDeadline_AutoApproves(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)

	h.clock.Advance(DefaultReviewWindow - time.Minute)
	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)

	h.clock.Advance(2 * time.Minute)
	got, err = h.orch.Get(context.Background(), h.provider(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.Len(t, h.wallet.transfers(), 1)
}

// ---- cancellation

func TestCancel_PaidOrderRefundsPriceAndFee(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)

	res, err := h.orch.Cancel(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)
	assert.Empty(t, res.SettlementWarning)

	sent := h.wallet.transfers()
	require.Len(t, sent, 1)
	assert.Equal(t, h.clientKey.String(), sent[0].To)
	assert.Equal(t, "11.00", sent[0].Amount.StringFixed(2))
}

func TestCancel_UnpaidOrderMovesNoFunds(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))

	res, err := h.orch.Cancel(context.Background(), h.provider(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)
	assert.Empty(t, h.wallet.transfers())
}

func TestCancel_RefundFailureStillCancels(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)
	h.wallet.prepareErr = &chain.TransferError{Err: chain.ErrInsufficientBalance}

	res, err := h.orch.Cancel(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)
	assert.Contains(t, res.SettlementWarning, "refund")

	pending := h.ledger.pendingSettlements()
	require.Len(t, pending, 1)
	assert.Equal(t, models.SettlementRefund, pending[0].Kind)
	assert.Equal(t, "11.00", pending[0].AmountUSD.StringFixed(2))
	assert.Nil(t, pending[0].Signature)
}

func TestCancel_ConcurrentCallsRefundOnce(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.Cancel(context.Background(), h.client(), o.ID)
		}()
	}
	wg.Wait()
	assert.Len(t, h.wallet.transfers(), 1)
}

func TestCancel_NotAllowedOnceWorkStarted(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)
	_, err := h.orch.Cancel(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrInvalidTransition)
}

// ---- lazy transitions and access

func TestStalledFulfillmentRevertsToPaid(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)
	require.NoError(t, h.ledger.BeginFulfillment(context.Background(), o.ID, 3))

	h.clock.Advance(5 * time.Minute)
	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)

	h.clock.Advance(6 * time.Minute)
	got, err = h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}

func TestDeliver_RequiresURLAndProvider(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	h.pay(t, o)

	_, err := h.orch.Deliver(context.Background(), h.provider(), o.ID, DeliverInput{})
	assertKind(t, err, KindValidation, ErrMissingField)

	_, err = h.orch.Deliver(context.Background(), h.client(), o.ID, DeliverInput{DeliverableURL: "https://x"})
	assertKind(t, err, KindForbidden, ErrForbidden)
}

func TestDeliver_RejectsWorkspaceOrders(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(workspace(3)))
	h.pay(t, o)

	_, err := h.orch.Deliver(context.Background(), h.provider(), o.ID, DeliverInput{DeliverableURL: "https://files.example/early.png"})
	assertKind(t, err, KindValidation, ErrInvalidTransition)

	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)
	assert.Nil(t, got.DeliveredAt)
	assert.Nil(t, got.DeliverableURL)
}

func TestTransitions_WritesOnlyAlongEdges(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)

	saved := edges[models.OrderStatusDelivered]
	edges[models.OrderStatusDelivered] = []string{models.OrderStatusCompleted}
	t.Cleanup(func() { edges[models.OrderStatusDelivered] = saved })

	_, err := h.orch.Dispute(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrInvalidTransition)

	got, err := h.orch.Get(context.Background(), h.client(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)
}

func TestTerminalOrdersRejectEveryAction(t *testing.T) {
	h := newHarness(t)
	o := h.delivered(t)
	_, err := h.orch.Approve(context.Background(), h.client(), o.ID)
	require.NoError(t, err)

	_, err = h.orch.Dispute(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrInvalidTransition)
	assert.ErrorContains(t, err, "already completed")
	_, err = h.orch.Cancel(context.Background(), h.client(), o.ID)
	assertKind(t, err, KindValidation, ErrInvalidTransition)
}

func TestAccess_NonPartyIsForbidden(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, h.addService(nil))
	stranger := Actor{Wallet: newAddress().String()}

	_, err := h.orch.Get(context.Background(), stranger, o.ID)
	assertKind(t, err, KindForbidden, ErrForbidden)

	_, err = h.orch.Get(context.Background(), h.client(), uuid.New())
	assertKind(t, err, KindNotFound, ErrOrderNotFound)
}

func TestList_ReturnsCallerOrders(t *testing.T) {
	h := newHarness(t)
	svc := h.addService(nil)
	h.order(t, svc)
	h.order(t, svc)

	mine, err := h.orch.List(context.Background(), h.client(), 50)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := h.orch.List(context.Background(), h.provider(), 50)
	require.NoError(t, err)
	assert.Len(t, theirs, 2)

	none, err := h.orch.List(context.Background(), Actor{Wallet: newAddress().String()}, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}
