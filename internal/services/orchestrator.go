package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/metrics"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/provider"
	"github.com/agentbazaar/backend/internal/repository"
)

const (
	DefaultStallWindow            = 10 * time.Minute
	DefaultReviewWindow           = 72 * time.Hour
	DefaultMaxFulfillmentAttempts = 3
)

// OrderStore is the ledger surface used by the orchestrator. Every status write
// is conditional on the prior status.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, agentID *uuid.UUID, wallet *string, limit int) ([]*models.Order, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) error
	SetQuote(ctx context.Context, id uuid.UUID, price, fee decimal.Decimal) error
	RecordPayment(ctx context.Context, id uuid.UUID, from []string, p ledger.Payment) error
	BeginFulfillment(ctx context.Context, id uuid.UUID, maxAttempts int) error
	MarkDelivered(ctx context.Context, id uuid.UUID, d ledger.Delivery) error
	RevertStalled(ctx context.Context, id uuid.UUID, cutoff time.Time) error
	FallbackToPaid(ctx context.Context, id uuid.UUID) error

	CreateDeliverable(ctx context.Context, d *models.OrderDeliverable) error
	MarkDeliverableGenerating(ctx context.Context, id uuid.UUID) error
	CompleteDeliverable(ctx context.Context, id uuid.UUID, url, mediaType string) error
	FailDeliverable(ctx context.Context, id uuid.UUID, reason string) error
	ListDeliverables(ctx context.Context, orderID uuid.UUID) ([]*models.OrderDeliverable, error)
}

type ServiceCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error)
}

type AgentDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}

type AdapterSource interface {
	Get(key string) (provider.Adapter, error)
}

// MediaSaver persists generation output to platform storage.
type MediaSaver interface {
	Copy(ctx context.Context, url, fallbackType string) (string, string, error)
	Save(ctx context.Context, data []byte, contentType string) (string, error)
}

type GenerationValidator interface {
	ValidateInput(ctx context.Context, providerKey string, req provider.Request) error
	ValidateOutput(ctx context.Context, providerKey string, res *provider.Result) error
	GetDeadline(providerKey string) (time.Duration, error)
}

type OrchestratorConfig struct {
	StallWindow            time.Duration
	ReviewWindow           time.Duration
	MaxFulfillmentAttempts int
}

// Actor is the authenticated caller. Either field may be empty; the role on a given
// order is derived from which party fields match.
type Actor struct {
	AgentID *uuid.UUID
	Wallet  string
}

func (a Actor) IsProvider(o *models.Order) bool {
	return a.AgentID != nil && *a.AgentID == o.ProviderAgentID
}

func (a Actor) IsClient(o *models.Order) bool {
	if a.AgentID != nil && o.ClientAgentID != nil && *a.AgentID == *o.ClientAgentID {
		return true
	}
	return a.Wallet != "" && o.ClientWallet != nil && a.Wallet == *o.ClientWallet
}

type party int

const (
	partyClient party = iota + 1
	partyProvider
	partyEither
)

// Result is returned by actions that may leave a non-fatal warning.
type Result struct {
	Order             *models.Order `json:"order"`
	SettlementWarning string        `json:"settlement_warning,omitempty"`
	FulfillmentError  string        `json:"fulfillment_error,omitempty"`
}

// Orchestrator is the only writer of order status. It validates each action
// against the state machine and owns every side effect.
type Orchestrator struct {
	Orders    OrderStore
	Services  ServiceCatalog
	Agents    AgentDirectory
	Verifier  *PaymentVerifier
	Settler   *Settler
	Quota     *QuotaMeter
	Providers AdapterSource
	Media     MediaSaver
	Validator GenerationValidator
	Events    EventPublisher
	Config    OrchestratorConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewOrchestrator fills defaults for zero config values, a nil publisher and a nil logger.
func NewOrchestrator(o Orchestrator) *Orchestrator {
	if o.Config.StallWindow <= 0 {
		o.Config.StallWindow = DefaultStallWindow
	}
	if o.Config.ReviewWindow <= 0 {
		o.Config.ReviewWindow = DefaultReviewWindow
	}
	if o.Config.MaxFulfillmentAttempts <= 0 {
		o.Config.MaxFulfillmentAttempts = DefaultMaxFulfillmentAttempts
	}
	if o.Events == nil {
		o.Events = noopPublisher{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &o
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	ord, err := o.Orders.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fail(KindNotFound, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return ord, nil
}

func (o *Orchestrator) loadAs(ctx context.Context, actor Actor, id uuid.UUID, who party) (*models.Order, error) {
	ord, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ok := false
	switch who {
	case partyClient:
		ok = actor.IsClient(ord)
	case partyProvider:
		ok = actor.IsProvider(ord)
	case partyEither:
		ok = actor.IsClient(ord) || actor.IsProvider(ord)
	}
	if !ok {
		return nil, fail(KindForbidden, ErrForbidden)
	}
	return ord, nil
}

func (o *Orchestrator) service(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	svc, err := o.Services.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fail(KindNotFound, ErrServiceNotFound)
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

func guard(action string, ord *models.Order) error {
	if IsTerminal(ord.Status) {
		return failf(KindValidation, ErrInvalidTransition, "cannot %s an order that is already %s", action, ord.Status)
	}
	if !Allowed(action, ord.Status) {
		return failf(KindValidation, ErrInvalidTransition, "cannot %s an order that is %s", action, ord.Status)
	}
	return nil
}

// edge rejects a ledger write for a from -> to move outside the transition graph.
func edge(from, to string) error {
	if !CanTransition(from, to) {
		return failf(KindValidation, ErrInvalidTransition, "cannot move an order from %s to %s", from, to)
	}
	return nil
}

// transition applies a plain status change as a conditional update.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, from, to string) error {
	if err := edge(from, to); err != nil {
		return err
	}
	return casErr(o.Orders.TransitionStatus(ctx, id, from, to))
}

// casErr maps a lost conditional update to the retryable conflict error.
func casErr(err error) error {
	if errors.Is(err, ledger.ErrStaleStatus) {
		metrics.StatusTransitionConflictsTotal.Inc()
		return fail(KindConflict, ErrConcurrentUpdate)
	}
	return err
}

func (o *Orchestrator) emit(ctx context.Context, typ string, ord *models.Order, data map[string]any) {
	o.Events.Publish(ctx, Event{
		Type:            typ,
		OrderID:         ord.ID,
		ProviderAgentID: ord.ProviderAgentID,
		Status:          ord.Status,
		Data:            data,
		OccurredAt:      o.Now(),
	})
}

type CreateOrderInput struct {
	ServiceID uuid.UUID `json:"service_id"`
	Brief     string    `json:"brief"`
}

// Create opens an order for the caller. Fixed-price services start quoted; quote
// services wait for the provider.
func (o *Orchestrator) Create(ctx context.Context, actor Actor, in CreateOrderInput) (*models.Order, error) {
	if actor.AgentID == nil && actor.Wallet == "" {
		return nil, fail(KindForbidden, ErrForbidden)
	}
	if in.ServiceID == uuid.Nil {
		return nil, failf(KindValidation, ErrMissingField, "service_id")
	}
	svc, err := o.service(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsActive {
		return nil, failf(KindValidation, ErrServiceNotFound, "service is inactive")
	}
	if actor.AgentID != nil && *actor.AgentID == svc.AgentID {
		return nil, failf(KindForbidden, ErrForbidden, "an agent cannot order its own service")
	}

	ord := &models.Order{
		ID:              uuid.New(),
		ServiceID:       svc.ID,
		ProviderAgentID: svc.AgentID,
		ClientAgentID:   actor.AgentID,
		Brief:           in.Brief,
		PaymentMethod:   models.PaymentMethodUSDCSolana,
		Status:          models.OrderStatusPendingQuote,
	}
	if actor.Wallet != "" {
		w := actor.Wallet
		ord.ClientWallet = &w
	}
	if svc.PriceType == models.PriceTypeFixed {
		if !svc.PriceUSD.IsPositive() {
			return nil, fail(KindValidation, ErrInvalidPrice)
		}
		ord.QuotedPriceUSD = svc.PriceUSD
		ord.PlatformFeeUSD = PlatformFee(svc.PriceUSD)
		ord.Status = models.OrderStatusQuoted
	}
	if err := o.Orders.CreateOrder(ctx, ord); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	o.Logger.Info("order created", "order_id", ord.ID, "service_id", svc.ID, "status", ord.Status)
	return ord, nil
}

// Quote lets the provider price a pending_quote order.
func (o *Orchestrator) Quote(ctx context.Context, actor Actor, id uuid.UUID, price decimal.Decimal) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyProvider)
	if err != nil {
		return nil, err
	}
	if err := guard(ActionQuote, ord); err != nil {
		return nil, err
	}
	price = price.Round(2)
	if !price.IsPositive() {
		return nil, fail(KindValidation, ErrInvalidPrice)
	}
	if err := edge(ord.Status, models.OrderStatusQuoted); err != nil {
		return nil, err
	}
	if err := o.Orders.SetQuote(ctx, id, price, PlatformFee(price)); err != nil {
		return nil, casErr(err)
	}
	return o.load(ctx, id)
}

// Accept records the client's acceptance of a quote.
func (o *Orchestrator) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	if err := guard(ActionAccept, ord); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, id, models.OrderStatusQuoted, models.OrderStatusAccepted); err != nil {
		return nil, err
	}
	return o.load(ctx, id)
}

type PayInput struct {
	TxHash string `json:"tx_hash"`
	Payer  string `json:"payer"`
}

// Pay verifies the escrow transfer and marks the order paid. Workspace orders open
// their quota window and go straight to in_progress; automated services are
// fulfilled synchronously and fall back to paid on failure.
func (o *Orchestrator) Pay(ctx context.Context, actor Actor, id uuid.UUID, in PayInput) (*Result, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	if err := guard(ActionPay, ord); err != nil {
		return nil, err
	}
	payer := in.Payer
	if ord.ClientWallet != nil {
		payer = *ord.ClientWallet
	}
	if payer == "" {
		return nil, failf(KindValidation, ErrMissingField, "payer")
	}
	svc, err := o.service(ctx, ord.ServiceID)
	if err != nil {
		return nil, err
	}

	if _, err := o.Verifier.Verify(ctx, in.TxHash, payer, ord.TotalDueUSD()); err != nil {
		return nil, err
	}

	p := ledger.Payment{TxHash: in.TxHash, ClientWallet: payer, Status: models.OrderStatusPaid}
	if svc.IsWorkspace() {
		w := o.Quota.Open(svc, o.Now())
		p.Status = models.OrderStatusInProgress
		p.QuotaTotal = w.Total
		p.ExpiresAt = &w.ExpiresAt
	}
	if err := edge(ord.Status, p.Status); err != nil {
		return nil, err
	}
	if err := o.Orders.RecordPayment(ctx, id, actionSources[ActionPay], p); err != nil {
		if errors.Is(err, ledger.ErrTxHashUsed) {
			return nil, fail(KindPayment, ErrTxAlreadyUsed)
		}
		return nil, casErr(err)
	}
	o.Logger.Info("order paid", "order_id", id, "tx_hash", in.TxHash, "status", p.Status)

	ord, err = o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, EventOrderPaid, ord, map[string]any{"tx_hash": in.TxHash})

	res := &Result{Order: ord}
	if !svc.IsWorkspace() && svc.IsAutomated() {
		ord, ferr := o.fulfill(ctx, ord, svc)
		if ferr != nil {
			res.FulfillmentError = ferr.Error()
		}
		if ord != nil {
			res.Order = ord
		}
	}
	return res, nil
}

// Approve completes a delivered order and pays the provider. The payout runs only
// for the caller whose conditional update wins.
func (o *Orchestrator) Approve(ctx context.Context, actor Actor, id uuid.UUID) (*Result, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	if err := guard(ActionApprove, ord); err != nil {
		return nil, err
	}
	return o.complete(ctx, ord)
}

func (o *Orchestrator) complete(ctx context.Context, ord *models.Order) (*Result, error) {
	if err := o.transition(ctx, ord.ID, models.OrderStatusDelivered, models.OrderStatusCompleted); err != nil {
		return nil, err
	}
	ord.Status = models.OrderStatusCompleted

	wallet := ""
	agent, err := o.Agents.GetByID(ctx, ord.ProviderAgentID)
	if err != nil {
		o.Logger.Error("load provider for payout", "order_id", ord.ID, "error", err)
	} else {
		wallet = agent.SettlementWallet()
	}
	out := o.Settler.Payout(context.WithoutCancel(ctx), ord, wallet)
	o.emit(ctx, EventOrderCompleted, ord, nil)

	fresh, err := o.load(ctx, ord.ID)
	if err != nil {
		fresh = ord
	}
	return &Result{Order: fresh, SettlementWarning: out.Warning}, nil
}

// Dispute flags delivered work. No funds move.
func (o *Orchestrator) Dispute(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	if err := guard(ActionDispute, ord); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, id, models.OrderStatusDelivered, models.OrderStatusDisputed); err != nil {
		return nil, err
	}
	ord.Status = models.OrderStatusDisputed
	o.Logger.Info("order disputed", "order_id", id)
	o.emit(ctx, EventOrderDisputed, ord, nil)
	return o.load(ctx, id)
}

// Cancel ends an order before work starts. A paid order is refunded price plus fee;
// a failed refund leaves the order cancelled with a warning.
func (o *Orchestrator) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Result, error) {
	ord, err := o.loadAs(ctx, actor, id, partyEither)
	if err != nil {
		return nil, err
	}
	ord = o.applyLazy(ctx, ord)
	if err := guard(ActionCancel, ord); err != nil {
		return nil, err
	}
	from := ord.Status
	if err := o.transition(ctx, id, from, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	ord.Status = models.OrderStatusCancelled
	o.Logger.Info("order cancelled", "order_id", id, "from", from)

	res := &Result{Order: ord}
	if from == models.OrderStatusPaid {
		out := o.Settler.Refund(context.WithoutCancel(ctx), ord)
		res.SettlementWarning = out.Warning
	}
	o.emit(ctx, EventOrderCancelled, ord, map[string]any{"from": from})

	if fresh, err := o.load(ctx, id); err == nil {
		res.Order = fresh
	}
	return res, nil
}

// Get returns the order after applying any due time-based transitions.
func (o *Orchestrator) Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyEither)
	if err != nil {
		return nil, err
	}
	return o.applyLazy(ctx, ord), nil
}

func (o *Orchestrator) List(ctx context.Context, actor Actor, limit int) ([]*models.Order, error) {
	var wallet *string
	if actor.Wallet != "" {
		wallet = &actor.Wallet
	}
	if actor.AgentID == nil && wallet == nil {
		return nil, fail(KindForbidden, ErrForbidden)
	}
	list, err := o.Orders.ListOrders(ctx, actor.AgentID, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	for i, ord := range list {
		list[i] = o.applyLazy(ctx, ord)
	}
	return list, nil
}

func (o *Orchestrator) Deliverables(ctx context.Context, actor Actor, id uuid.UUID) ([]*models.OrderDeliverable, error) {
	if _, err := o.loadAs(ctx, actor, id, partyEither); err != nil {
		return nil, err
	}
	return o.Orders.ListDeliverables(ctx, id)
}

// applyLazy evaluates time-based transitions on read: workspace expiry, stalled
// fulfillment revert and review-deadline auto-approval. Losing a race is not an error.
func (o *Orchestrator) applyLazy(ctx context.Context, ord *models.Order) *models.Order {
	now := o.Now()
	log := o.Logger.With("order_id", ord.ID)
	var err error

	switch ord.Status {
	case models.OrderStatusInProgress:
		switch {
		case ord.IsWorkspace() && Expired(ord, now):
			err = o.Orders.MarkDelivered(ctx, ord.ID, ledger.Delivery{DeliveredAt: now, ReviewDeadline: now.Add(o.Config.ReviewWindow)})
			if err == nil {
				log.Info("workspace window expired, order delivered")
			}
		case !ord.IsWorkspace() && ord.DeliverableURL == nil && ord.UpdatedAt.Before(now.Add(-o.Config.StallWindow)):
			err = o.Orders.RevertStalled(ctx, ord.ID, now.Add(-o.Config.StallWindow))
			if err == nil {
				log.Info("stalled fulfillment reverted to paid")
			}
		default:
			return ord
		}
	case models.OrderStatusDelivered:
		if ord.ReviewDeadline == nil || !now.After(*ord.ReviewDeadline) {
			return ord
		}
		res, cerr := o.complete(ctx, ord)
		if cerr != nil {
			err = cerr
			break
		}
		log.Info("review window elapsed, order auto-approved", "settlement_warning", res.SettlementWarning)
		return res.Order
	default:
		return ord
	}

	if err != nil && !errors.Is(err, ledger.ErrStaleStatus) && KindOf(err) != KindConflict {
		log.Error("lazy transition", "error", err)
	}
	fresh, gerr := o.load(ctx, ord.ID)
	if gerr != nil {
		return ord
	}
	return fresh
}
