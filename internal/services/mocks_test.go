package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/provider"
	"github.com/agentbazaar/backend/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- memLedger mirrors the conditional updates of ledger.Repository in memory.

type memLedger struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*models.Order
	deliverables map[uuid.UUID]*models.OrderDeliverable
	records      []*models.PayoutRecord
	pending      []*models.PendingSettlement
	claims       map[uuid.UUID]time.Time
	now          func() time.Time
}

func newMemLedger(now func() time.Time) *memLedger {
	return &memLedger{
		orders:       map[uuid.UUID]*models.Order{},
		deliverables: map[uuid.UUID]*models.OrderDeliverable{},
		now:          now,
	}
}

func (m *memLedger) put(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
}

func (m *memLedger) touch(o *models.Order) { o.UpdatedAt = m.now() }

func (m *memLedger) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = m.now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memLedger) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memLedger) ListOrders(_ context.Context, agentID *uuid.UUID, wallet *string, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Order
	for _, o := range m.orders {
		match := agentID != nil && (o.ProviderAgentID == *agentID || (o.ClientAgentID != nil && *o.ClientAgentID == *agentID))
		match = match || (wallet != nil && o.ClientWallet != nil && *o.ClientWallet == *wallet)
		if match {
			cp := *o
			list = append(list, &cp)
		}
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memLedger) TransitionStatus(_ context.Context, id uuid.UUID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from {
		return ledger.ErrStaleStatus
	}
	o.Status = to
	if to == models.OrderStatusCompleted {
		now := m.now()
		o.CompletedAt = &now
	}
	m.touch(o)
	return nil
}

func (m *memLedger) SetQuote(_ context.Context, id uuid.UUID, price, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusPendingQuote {
		return ledger.ErrStaleStatus
	}
	o.QuotedPriceUSD, o.PlatformFeeUSD, o.Status = price, fee, models.OrderStatusQuoted
	m.touch(o)
	return nil
}

func (m *memLedger) IsTxHashUsed(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.EscrowTxHash != nil && *o.EscrowTxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) RecordPayment(_ context.Context, id uuid.UUID, from []string, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.EscrowTxHash != nil && *o.EscrowTxHash == p.TxHash {
			return ledger.ErrTxHashUsed
		}
	}
	o, ok := m.orders[id]
	if !ok || !slices.Contains(from, o.Status) || o.EscrowTxHash != nil {
		return ledger.ErrStaleStatus
	}
	hash := p.TxHash
	o.EscrowTxHash = &hash
	if o.ClientWallet == nil && p.ClientWallet != "" {
		w := p.ClientWallet
		o.ClientWallet = &w
	}
	o.Status = p.Status
	o.QuotaTotal, o.QuotaUsed, o.QuotaReserved = p.QuotaTotal, 0, 0
	o.WorkspaceExpiresAt = p.ExpiresAt
	m.touch(o)
	return nil
}

func (m *memLedger) BeginFulfillment(_ context.Context, id uuid.UUID, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusPaid {
		return ledger.ErrStaleStatus
	}
	if o.FulfillmentAttempts >= maxAttempts {
		return ledger.ErrAttemptsExhausted
	}
	o.Status = models.OrderStatusInProgress
	o.FulfillmentAttempts++
	m.touch(o)
	return nil
}

func (m *memLedger) MarkDelivered(_ context.Context, id uuid.UUID, d ledger.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusInProgress {
		return ledger.ErrStaleStatus
	}
	o.Status = models.OrderStatusDelivered
	if d.URL != nil {
		o.DeliverableURL = d.URL
	}
	if d.MediaType != nil {
		o.DeliverableMediaType = d.MediaType
	}
	o.DeliveredAt = &d.DeliveredAt
	o.ReviewDeadline = &d.ReviewDeadline
	m.touch(o)
	return nil
}

func (m *memLedger) RevertStalled(_ context.Context, id uuid.UUID, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusInProgress || o.QuotaTotal != 0 || o.DeliverableURL != nil || !o.UpdatedAt.Before(cutoff) {
		return ledger.ErrStaleStatus
	}
	o.Status = models.OrderStatusPaid
	m.touch(o)
	return nil
}

func (m *memLedger) FallbackToPaid(ctx context.Context, id uuid.UUID) error {
	return m.TransitionStatus(ctx, id, models.OrderStatusInProgress, models.OrderStatusPaid)
}

func (m *memLedger) ReserveQuota(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusInProgress || o.QuotaUsed+o.QuotaReserved >= o.QuotaTotal ||
		o.WorkspaceExpiresAt == nil || !o.WorkspaceExpiresAt.After(now) {
		return ledger.ErrQuotaUnavailable
	}
	o.QuotaReserved++
	return nil
}

func (m *memLedger) CommitQuota(_ context.Context, id uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.QuotaReserved == 0 || o.QuotaUsed >= o.QuotaTotal {
		return 0, 0, ledger.ErrQuotaUnavailable
	}
	o.QuotaUsed++
	o.QuotaReserved--
	return o.QuotaUsed, o.QuotaTotal, nil
}

func (m *memLedger) ReleaseQuota(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.QuotaReserved == 0 {
		return ledger.ErrQuotaUnavailable
	}
	o.QuotaReserved--
	return nil
}

func (m *memLedger) CreateDeliverable(_ context.Context, d *models.OrderDeliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliverables[d.ID] = &cp
	return nil
}

func (m *memLedger) setDeliverable(id uuid.UUID, fn func(d *models.OrderDeliverable)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[id]
	if !ok {
		return ledger.ErrNotFound
	}
	fn(d)
	return nil
}

func (m *memLedger) MarkDeliverableGenerating(_ context.Context, id uuid.UUID) error {
	return m.setDeliverable(id, func(d *models.OrderDeliverable) { d.Status = models.DeliverableStatusGenerating })
}

func (m *memLedger) CompleteDeliverable(_ context.Context, id uuid.UUID, url, mediaType string) error {
	return m.setDeliverable(id, func(d *models.OrderDeliverable) {
		d.Status = models.DeliverableStatusCompleted
		d.DeliverableURL = &url
		d.DeliverableMediaType = &mediaType
	})
}

func (m *memLedger) FailDeliverable(_ context.Context, id uuid.UUID, reason string) error {
	return m.setDeliverable(id, func(d *models.OrderDeliverable) {
		d.Status = models.DeliverableStatusFailed
		d.Error = &reason
	})
}

func (m *memLedger) ListDeliverables(_ context.Context, orderID uuid.UUID) ([]*models.OrderDeliverable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.OrderDeliverable
	for _, d := range m.deliverables {
		if d.OrderID == orderID {
			cp := *d
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *memLedger) RecordSettlement(ctx context.Context, rec *models.PayoutRecord) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[rec.OrderID]
	if ok {
		if o.PayoutTxHash != nil {
			return ledger.ErrPayoutRecorded
		}
		h := rec.TxHash
		o.PayoutTxHash = &h
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memLedger) InsertPendingSettlement(ctx context.Context, p *models.PendingSettlement) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.pending {
		if q.OrderID == p.OrderID && q.Kind == p.Kind && q.State == models.PendingSettlementOpen {
			return ledger.ErrSettlementOpen
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.State == "" {
		p.State = models.PendingSettlementOpen
	}
	cp := *p
	m.pending = append(m.pending, &cp)
	return nil
}

func (m *memLedger) ClaimOpenSettlements(ctx context.Context, limit int, lease time.Duration) ([]*models.PendingSettlement, error) {
	if err := m.writable(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims == nil {
		m.claims = map[uuid.UUID]time.Time{}
	}
	now := m.now()
	var list []*models.PendingSettlement
	for _, p := range m.pending {
		if p.State != models.PendingSettlementOpen || len(list) >= limit {
			continue
		}
		if until, ok := m.claims[p.ID]; ok && until.After(now) {
			continue
		}
		m.claims[p.ID] = now.Add(lease)
		cp := *p
		list = append(list, &cp)
	}
	return list, nil
}

func (m *memLedger) BeginSettlementAttempt(ctx context.Context, p *models.PendingSettlement) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.pending {
		if q.ID != p.ID {
			continue
		}
		if q.State != models.PendingSettlementOpen || q.Signature != nil || q.Attempts != p.Attempts-1 {
			return ledger.ErrSettlementChanged
		}
		cp := *p
		cp.LastError = ""
		m.pending[i] = &cp
		return nil
	}
	return ledger.ErrNotFound
}

func (m *memLedger) UpdatePendingSettlement(ctx context.Context, p *models.PendingSettlement) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.pending {
		if q.ID == p.ID {
			cp := *p
			m.pending[i] = &cp
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (m *memLedger) ReleaseSettlement(ctx context.Context, id uuid.UUID) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, id)
	return nil
}

// writable fails writes on a finished context, as a pgx pool does.
func (m *memLedger) writable(ctx context.Context) error {
	return ctx.Err()
}

func (m *memLedger) payoutRecords() []*models.PayoutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

func (m *memLedger) pendingSettlements() []*models.PendingSettlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending)
}

// ---- catalog and agents

type memCatalog struct {
	services map[uuid.UUID]*models.Service
}

func (c *memCatalog) GetByID(_ context.Context, id uuid.UUID) (*models.Service, error) {
	s, ok := c.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type memAgents struct{ agents map[uuid.UUID]*models.Agent }

func (a *memAgents) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	ag, ok := a.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ag, nil
}

// ---- chain

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeChain struct {
	mu        sync.Mutex
	transfers map[string]*chain.Transfer
}

func (f *fakeChain) GetTransfer(_ context.Context, sig string) (*chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[sig]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return t, nil
}

func (f *fakeChain) FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.New(int64(units), -6)
}

func (f *fakeChain) Mint() string { return testMint }

// addTransfer registers a successful transfer of amountUSD from payer to recipient.
func (f *fakeChain) addTransfer(sig string, payer, recipient solana.PublicKey, amountUSD string) {
	mint := solana.MustPublicKeyFromBase58(testMint)
	units := decimal.RequireFromString(amountUSD).Shift(6).String()
	bal := func(idx uint16, owner solana.PublicKey, amount string) rpc.TokenBalance {
		o := owner
		return rpc.TokenBalance{AccountIndex: idx, Owner: &o, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount, Decimals: 6}}
	}
	pre := []rpc.TokenBalance{bal(1, payer, units), bal(2, recipient, "0")}
	post := []rpc.TokenBalance{bal(1, payer, "0"), bal(2, recipient, units)}
	t := chain.TransferFromBalances(mint, pre, post)
	t.Signature = sig
	t.Success = true
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transfers == nil {
		f.transfers = map[string]*chain.Transfer{}
	}
	f.transfers[sig] = t
}

func newAddress() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

// ---- treasury wallet

type sentTransfer struct {
	To     string
	Amount decimal.Decimal
}

type fakeWallet struct {
	mu         sync.Mutex
	sent       []sentTransfer
	prepareErr error
	submitErr  error
	// submit, when set, replaces the default broadcast and confirm step.
	submit   func(ctx context.Context) error
	canCover bool
	statuses map[string]chain.SignatureStatus
	height   uint64
	prepared map[string]sentTransfer
	seq      int
}

func (w *fakeWallet) Prepare(_ context.Context, to string, amount decimal.Decimal) (*chain.PreparedTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prepareErr != nil {
		return nil, w.prepareErr
	}
	w.seq++
	sig := fmt.Sprintf("sig-%d", w.seq)
	if w.prepared == nil {
		w.prepared = map[string]sentTransfer{}
	}
	w.prepared[sig] = sentTransfer{To: to, Amount: amount}
	return &chain.PreparedTransfer{Signature: sig, LastValidBlockHeight: w.height + 150}, nil
}

// Submit records a broadcast, then confirms unless submitErr or submit says otherwise.
func (w *fakeWallet) Submit(ctx context.Context, t *chain.PreparedTransfer) error {
	w.mu.Lock()
	w.sent = append(w.sent, w.prepared[t.Signature])
	hook, err := w.submit, w.submitErr
	w.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return err
}

func (w *fakeWallet) CanCover(context.Context, decimal.Decimal) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canCover, nil
}

func (w *fakeWallet) Status(_ context.Context, sig string) (chain.SignatureStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.statuses[sig]; ok {
		return st, nil
	}
	return chain.StatusUnknown, nil
}

func (w *fakeWallet) Expired(_ context.Context, lastValid uint64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.height > lastValid, nil
}

func (w *fakeWallet) transfers() []sentTransfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.sent)
}

// ---- providers and media

type fakeAdapter struct {
	mu    sync.Mutex
	key   string
	calls int
	err   error
	res   *provider.Result
}

func (a *fakeAdapter) Key() string { return a.key }

func (a *fakeAdapter) Generate(context.Context, provider.Request) (*provider.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.res != nil {
		return a.res, nil
	}
	return &provider.Result{URL: "https://provider.example/out.png", MediaType: "image/png"}, nil
}

func (a *fakeAdapter) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type fakeMedia struct {
	mu     sync.Mutex
	copies int
	saves  int
}

func (m *fakeMedia) Copy(_ context.Context, url, fallbackType string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies++
	if url == "" {
		return "", "", errors.New("empty url")
	}
	return "https://media.example/copied", fallbackType, nil
}

func (m *fakeMedia) Save(context.Context, []byte, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return "https://media.example/saved", nil
}

// ---- events

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}
