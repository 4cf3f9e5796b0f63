package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/metrics"
	"github.com/agentbazaar/backend/internal/models"
)

const (
	defaultMaxSettlementAttempts = 5
	defaultSettlementLease       = 10 * time.Minute
	bookkeepingTimeout           = 30 * time.Second
)

// TreasuryWallet sends stablecoin out of the platform treasury. Prepare signs without
// broadcasting so the signature can be journaled before Submit.
type TreasuryWallet interface {
	Prepare(ctx context.Context, to string, amountUSD decimal.Decimal) (*chain.PreparedTransfer, error)
	Submit(ctx context.Context, t *chain.PreparedTransfer) error
	CanCover(ctx context.Context, amountUSD decimal.Decimal) (bool, error)
	Status(ctx context.Context, signature string) (chain.SignatureStatus, error)
	Expired(ctx context.Context, lastValidBlockHeight uint64) (bool, error)
}

// SettlementStore persists confirmed settlements and the pending-settlement outbox.
type SettlementStore interface {
	RecordSettlement(ctx context.Context, rec *models.PayoutRecord) error
	InsertPendingSettlement(ctx context.Context, p *models.PendingSettlement) error
	ClaimOpenSettlements(ctx context.Context, limit int, lease time.Duration) ([]*models.PendingSettlement, error)
	BeginSettlementAttempt(ctx context.Context, p *models.PendingSettlement) error
	UpdatePendingSettlement(ctx context.Context, p *models.PendingSettlement) error
	ReleaseSettlement(ctx context.Context, id uuid.UUID) error
}

// Settler moves funds after money-moving transitions. Every transfer is journaled in
// the outbox with its signature before it is broadcast, and a journaled signature is
// only replaced once its blockhash has expired. A failed transfer is left for the
// reconciliation worker and reported as a warning.
type Settler struct {
	Wallet      TreasuryWallet
	Store       SettlementStore
	MaxAttempts int
	// Lease is how long a reconciliation pass holds the rows it claimed. It must
	// outlast the reconciliation job's timeout.
	Lease  time.Duration
	Logger *slog.Logger
}

func NewSettler(wallet TreasuryWallet, store SettlementStore, maxAttempts int, logger *slog.Logger) *Settler {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxSettlementAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{Wallet: wallet, Store: store, MaxAttempts: maxAttempts, Lease: defaultSettlementLease, Logger: logger}
}

// Outcome of a settlement. Warning is non-empty when funds did not move and the
// order needs reconciliation.
type Outcome struct {
	TxHash  string
	Warning string
}

// Payout sends the quoted price to the provider. The platform fee stays in the treasury.
func (s *Settler) Payout(ctx context.Context, o *models.Order, wallet string) Outcome {
	return s.settle(ctx, models.SettlementPayout, o.ID, wallet, o.QuotedPriceUSD)
}

// Refund returns price plus fee to the client wallet.
func (s *Settler) Refund(ctx context.Context, o *models.Order) Outcome {
	wallet := ""
	if o.ClientWallet != nil {
		wallet = *o.ClientWallet
	}
	return s.settle(ctx, models.SettlementRefund, o.ID, wallet, o.TotalDueUSD())
}

// bookkeeping detaches outbox writes from ctx so a cancelled caller still records
// what it broadcast.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (s *Settler) settle(ctx context.Context, kind string, orderID uuid.UUID, to string, amount decimal.Decimal) Outcome {
	pending := &models.PendingSettlement{OrderID: orderID, Kind: kind, Recipient: to, AmountUSD: amount}
	log := s.Logger.With("order_id", pending.OrderID, "kind", kind, "amount_usd", amount.StringFixed(2))
	bk, cancel := bookkeeping(ctx)
	defer cancel()

	if to == "" {
		pending.State = models.PendingSettlementNeedsOperator
		pending.LastError = "no recipient wallet on record"
		return s.queue(bk, log, pending, errors.New(pending.LastError))
	}

	t, err := s.Wallet.Prepare(ctx, to, amount)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
		pending.Attempts = 1
		pending.LastError = err.Error()
		return s.queue(bk, log, pending, err)
	}

	sig := t.Signature
	pending.Signature = &sig
	pending.LastValidBlockHeight = t.LastValidBlockHeight
	pending.Attempts = 1
	if err := s.Store.InsertPendingSettlement(bk, pending); err != nil {
		log.Error("journal settlement", "error", err, "reconciliation_required", true)
		return Outcome{Warning: fmt.Sprintf("%s was not sent: %v", kind, err)}
	}

	if err := s.Wallet.Submit(ctx, t); err != nil {
		metrics.SettlementsTotal.WithLabelValues(kind, "failed").Inc()
		pending.LastError = err.Error()
		if uerr := s.Store.UpdatePendingSettlement(bk, pending); uerr != nil {
			log.Error("update pending settlement", "error", uerr, "tx_hash", sig)
		}
		log.Error("settlement failed", "error", err, "tx_hash", sig, "reconciliation_required", true)
		return Outcome{Warning: fmt.Sprintf("%s did not complete and was queued for reconciliation: %v", kind, err)}
	}
	metrics.SettlementsTotal.WithLabelValues(kind, "sent").Inc()

	if _, err := s.resolve(bk, pending, sig); err != nil {
		// Funds moved; reconciliation attaches the hash from the journaled signature.
		log.Error("record settlement", "error", err, "tx_hash", sig, "reconciliation_required", true)
		return Outcome{TxHash: sig, Warning: fmt.Sprintf("%s sent but not recorded, queued for reconciliation: %v", kind, err)}
	}
	log.Info("settlement confirmed", "tx_hash", sig, "recipient", to)
	return Outcome{TxHash: sig}
}

// queue records a settlement that was never signed.
func (s *Settler) queue(ctx context.Context, log *slog.Logger, p *models.PendingSettlement, cause error) Outcome {
	log.Error("settlement failed", "error", cause, "reconciliation_required", true)
	if err := s.Store.InsertPendingSettlement(ctx, p); err != nil && !errors.Is(err, ledger.ErrSettlementOpen) {
		log.Error("queue pending settlement", "error", err, "reconciliation_required", true)
	}
	return Outcome{Warning: fmt.Sprintf("%s did not complete and was queued for reconciliation: %v", p.Kind, cause)}
}

// Reconcile works through open pending settlements it can claim. Journaled
// signatures are only checked; they are replaced by a new transfer once their
// blockhash expired without the transaction landing. Unsigned rows are retried when
// the treasury can cover them, up to MaxAttempts.
func (s *Settler) Reconcile(ctx context.Context, limit int) (int, error) {
	rows, err := s.Store.ClaimOpenSettlements(ctx, limit, s.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim open settlements: %w", err)
	}
	resolved := 0
	for _, p := range rows {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		done, err := s.reconcileOne(ctx, p)
		s.release(ctx, p)
		if err != nil {
			s.Logger.Error("reconcile settlement", "settlement_id", p.ID, "order_id", p.OrderID, "error", err)
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Settler) release(ctx context.Context, p *models.PendingSettlement) {
	bk, cancel := bookkeeping(ctx)
	defer cancel()
	if err := s.Store.ReleaseSettlement(bk, p.ID); err != nil {
		s.Logger.Warn("release pending settlement", "settlement_id", p.ID, "error", err)
	}
}

func (s *Settler) reconcileOne(ctx context.Context, p *models.PendingSettlement) (bool, error) {
	bk, cancel := bookkeeping(ctx)
	defer cancel()

	if p.Signature != nil {
		st, err := s.Wallet.Status(ctx, *p.Signature)
		if err != nil {
			return false, err
		}
		switch st {
		case chain.StatusConfirmed:
			return s.resolve(bk, p, *p.Signature)
		case chain.StatusFailed:
			p.LastError = "broadcast transaction failed on chain"
			return s.close(bk, p, models.PendingSettlementNeedsOperator)
		case chain.StatusPending:
			return false, nil
		}

		if p.LastValidBlockHeight == 0 {
			p.LastError = "signature not found and its expiry is unknown"
			return s.close(bk, p, models.PendingSettlementNeedsOperator)
		}
		expired, err := s.Wallet.Expired(ctx, p.LastValidBlockHeight)
		if err != nil {
			return false, err
		}
		if !expired {
			return false, nil
		}
		p.LastError = fmt.Sprintf("transaction %s expired without landing", *p.Signature)
		p.Signature = nil
		p.LastValidBlockHeight = 0
		if err := s.Store.UpdatePendingSettlement(bk, p); err != nil {
			return false, err
		}
	}

	if p.Recipient == "" || p.Attempts >= s.MaxAttempts {
		return s.close(bk, p, models.PendingSettlementNeedsOperator)
	}
	ok, err := s.Wallet.CanCover(ctx, p.AmountUSD)
	if err != nil {
		return false, err
	}
	if !ok {
		p.LastError = chain.ErrInsufficientBalance.Error()
		return false, s.Store.UpdatePendingSettlement(bk, p)
	}

	t, err := s.Wallet.Prepare(ctx, p.Recipient, p.AmountUSD)
	p.Attempts++
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(p.Kind, "failed").Inc()
		p.LastError = err.Error()
		if p.Attempts >= s.MaxAttempts {
			return s.close(bk, p, models.PendingSettlementNeedsOperator)
		}
		return false, s.Store.UpdatePendingSettlement(bk, p)
	}

	sig := t.Signature
	p.Signature = &sig
	p.LastValidBlockHeight = t.LastValidBlockHeight
	if err := s.Store.BeginSettlementAttempt(bk, p); err != nil {
		return false, fmt.Errorf("journal settlement attempt: %w", err)
	}
	if err := s.Wallet.Submit(ctx, t); err != nil {
		metrics.SettlementsTotal.WithLabelValues(p.Kind, "failed").Inc()
		p.LastError = err.Error()
		return false, s.Store.UpdatePendingSettlement(bk, p)
	}
	metrics.SettlementsTotal.WithLabelValues(p.Kind, "sent").Inc()
	return s.resolve(bk, p, sig)
}

func (s *Settler) resolve(ctx context.Context, p *models.PendingSettlement, sig string) (bool, error) {
	p.Signature = &sig
	rec := &models.PayoutRecord{TxHash: sig, OrderID: p.OrderID, Kind: p.Kind, Recipient: p.Recipient, AmountUSD: p.AmountUSD}
	if err := s.Store.RecordSettlement(ctx, rec); err != nil && !errors.Is(err, ledger.ErrPayoutRecorded) {
		p.LastError = "record settlement: " + err.Error()
		if uerr := s.Store.UpdatePendingSettlement(ctx, p); uerr != nil {
			return false, errors.Join(err, uerr)
		}
		return false, err
	}
	p.LastError = ""
	s.Logger.Info("pending settlement resolved", "order_id", p.OrderID, "kind", p.Kind, "tx_hash", sig)
	return s.close(ctx, p, models.PendingSettlementResolved)
}

func (s *Settler) close(ctx context.Context, p *models.PendingSettlement, state string) (bool, error) {
	p.State = state
	if err := s.Store.UpdatePendingSettlement(ctx, p); err != nil {
		return false, err
	}
	metrics.PendingSettlementsResolvedTotal.WithLabelValues(state).Inc()
	if state == models.PendingSettlementNeedsOperator {
		s.Logger.Error("pending settlement needs operator", "order_id", p.OrderID, "kind", p.Kind, "error", p.LastError, "reconciliation_required", true)
	}
	return true, nil
}
