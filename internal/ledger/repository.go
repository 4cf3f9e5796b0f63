// Package ledger is the durable order store. Every status, quota and settlement
// change is a single conditional UPDATE so concurrent instances cannot race.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/models"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrStaleStatus means a conditional transition matched zero rows.
	ErrStaleStatus = errors.New("order status changed concurrently")
	ErrTxHashUsed  = errors.New("transaction already used for another order")
	// ErrQuotaUnavailable means no quota slot could be reserved or committed.
	ErrQuotaUnavailable  = errors.New("no quota available")
	ErrAttemptsExhausted = errors.New("fulfillment attempts exhausted")
	ErrPayoutRecorded    = errors.New("payout already recorded")
	// ErrSettlementOpen means an open outbox row already exists for the order and kind.
	ErrSettlementOpen = errors.New("settlement already queued")
	// ErrSettlementChanged means an outbox row moved on since it was read.
	ErrSettlementChanged = errors.New("pending settlement changed concurrently")
)

const uniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `id, service_id, provider_agent_id, client_agent_id, client_wallet, brief,
	quoted_price_usd, platform_fee_usd, payment_method, status, escrow_tx_hash, payout_tx_hash,
	deliverable_url, deliverable_media_type, quota_total, quota_used, quota_reserved,
	workspace_expires_at, fulfillment_attempts, created_at, updated_at, delivered_at,
	review_deadline, completed_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.ServiceID, &o.ProviderAgentID, &o.ClientAgentID, &o.ClientWallet, &o.Brief,
		&o.QuotedPriceUSD, &o.PlatformFeeUSD, &o.PaymentMethod, &o.Status, &o.EscrowTxHash, &o.PayoutTxHash,
		&o.DeliverableURL, &o.DeliverableMediaType, &o.QuotaTotal, &o.QuotaUsed, &o.QuotaReserved,
		&o.WorkspaceExpiresAt, &o.FulfillmentAttempts, &o.CreatedAt, &o.UpdatedAt, &o.DeliveredAt,
		&o.ReviewDeadline, &o.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *Repository) CreateOrder(ctx context.Context, o *models.Order) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO orders (id, service_id, provider_agent_id, client_agent_id, client_wallet, brief,
			quoted_price_usd, platform_fee_usd, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, o.ID, o.ServiceID, o.ProviderAgentID, o.ClientAgentID, o.ClientWallet, o.Brief,
		o.QuotedPriceUSD, o.PlatformFeeUSD, o.PaymentMethod, o.Status).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// ListOrders returns orders where the caller is the provider, the client agent or the client wallet.
func (r *Repository) ListOrders(ctx context.Context, agentID *uuid.UUID, wallet *string, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1::uuid IS NOT NULL AND (provider_agent_id = $1 OR client_agent_id = $1))
		   OR ($2::text IS NOT NULL AND client_wallet = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, agentID, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// TransitionStatus moves id from `from` to `to` only if the stored status still equals `from`.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    completed_at = CASE WHEN $3 = 'completed' THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// SetQuote prices a pending_quote order and moves it to quoted.
func (r *Repository) SetQuote(ctx context.Context, id uuid.UUID, price, fee decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET quoted_price_usd = $2, platform_fee_usd = $3, status = 'quoted', updated_at = now()
		WHERE id = $1 AND status = 'pending_quote'
	`, id, price, fee)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *Repository) IsTxHashUsed(ctx context.Context, txHash string) (bool, error) {
	var used bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE escrow_tx_hash = $1)`, txHash).Scan(&used)
	return used, err
}

// Payment is the write applied when an escrow transfer is accepted.
// Workspace orders carry QuotaTotal and ExpiresAt and go straight to in_progress.
type Payment struct {
	TxHash       string
	ClientWallet string
	Status       string
	QuotaTotal   int
	ExpiresAt    *time.Time
}

// RecordPayment stores the escrow hash and advances the order from one of `from`.
// The partial unique index on escrow_tx_hash turns a concurrent reuse into ErrTxHashUsed.
func (r *Repository) RecordPayment(ctx context.Context, id uuid.UUID, from []string, p Payment) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET escrow_tx_hash = $2,
		    client_wallet = COALESCE(client_wallet, NULLIF($3, '')),
		    status = $4,
		    quota_total = $5,
		    quota_used = 0,
		    quota_reserved = 0,
		    workspace_expires_at = $6,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($7) AND escrow_tx_hash IS NULL
	`, id, p.TxHash, p.ClientWallet, p.Status, p.QuotaTotal, p.ExpiresAt, from)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTxHashUsed
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// BeginFulfillment moves a paid order to in_progress and counts the attempt.
func (r *Repository) BeginFulfillment(ctx context.Context, id uuid.UUID, maxAttempts int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'in_progress', fulfillment_attempts = fulfillment_attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'paid' AND fulfillment_attempts < $2
	`, id, maxAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == models.OrderStatusPaid && o.FulfillmentAttempts >= maxAttempts {
		return ErrAttemptsExhausted
	}
	return ErrStaleStatus
}

// Delivery marks an in_progress order delivered. URL and MediaType are nil for workspaces.
type Delivery struct {
	URL            *string
	MediaType      *string
	DeliveredAt    time.Time
	ReviewDeadline time.Time
}

func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, d Delivery) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'delivered',
		    deliverable_url = COALESCE($2, deliverable_url),
		    deliverable_media_type = COALESCE($3, deliverable_media_type),
		    delivered_at = $4,
		    review_deadline = $5,
		    updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, id, d.URL, d.MediaType, d.DeliveredAt, d.ReviewDeadline)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// RevertStalled sends a non-workspace in_progress order without a deliverable back to
// paid when it has not moved since before cutoff.
func (r *Repository) RevertStalled(ctx context.Context, id uuid.UUID, cutoff time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'paid', updated_at = now()
		WHERE id = $1 AND status = 'in_progress' AND quota_total = 0
		  AND deliverable_url IS NULL AND updated_at < $2
	`, id, cutoff)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// FallbackToPaid reverts a failed automated fulfillment so it can be retried.
func (r *Repository) FallbackToPaid(ctx context.Context, id uuid.UUID) error {
	return r.TransitionStatus(ctx, id, models.OrderStatusInProgress, models.OrderStatusPaid)
}

// ReserveQuota claims one in-flight generation slot on an open, unexpired workspace.
func (r *Repository) ReserveQuota(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET quota_reserved = quota_reserved + 1, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		  AND quota_used + quota_reserved < quota_total
		  AND workspace_expires_at > $2
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaUnavailable
	}
	return nil
}

// CommitQuota converts a reservation into a used generation and returns the new counters.
func (r *Repository) CommitQuota(ctx context.Context, id uuid.UUID) (used, total int, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE orders
		SET quota_used = quota_used + 1, quota_reserved = quota_reserved - 1, updated_at = now()
		WHERE id = $1 AND quota_reserved > 0 AND quota_used < quota_total
		RETURNING quota_used, quota_total
	`, id).Scan(&used, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrQuotaUnavailable
	}
	return used, total, err
}

func (r *Repository) ReleaseQuota(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET quota_reserved = quota_reserved - 1, updated_at = now()
		WHERE id = $1 AND quota_reserved > 0
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaUnavailable
	}
	return nil
}

// RecordSettlement attaches the confirmed hash to the order and appends the audit row
// in one transaction. A second confirmed hash for the same order is refused.
func (r *Repository) RecordSettlement(ctx context.Context, rec *models.PayoutRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET payout_tx_hash = $2, updated_at = now()
		WHERE id = $1 AND payout_tx_hash IS NULL
	`, rec.OrderID, rec.TxHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutRecorded
	}
	if err := insertPayoutRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertPayoutRecord(ctx context.Context, tx pgx.Tx, rec *models.PayoutRecord) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payout_records (tx_hash, order_id, kind, recipient, amount_usd)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rec.TxHash, rec.OrderID, rec.Kind, rec.Recipient, rec.AmountUSD).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payout record %s: %w", rec.TxHash, ErrPayoutRecorded)
		}
		return err
	}
	return nil
}
