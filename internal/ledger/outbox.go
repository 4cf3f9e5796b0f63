package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentbazaar/backend/internal/models"
)

const pendingColumns = `id, order_id, kind, recipient, amount_usd, signature, last_valid_block_height, last_error, attempts, state, created_at, updated_at`

// InsertPendingSettlement journals a payout or refund. An already-open row for the
// same order and kind is left untouched and ErrSettlementOpen is returned.
func (r *Repository) InsertPendingSettlement(ctx context.Context, p *models.PendingSettlement) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.State == "" {
		p.State = models.PendingSettlementOpen
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO pending_settlements (id, order_id, kind, recipient, amount_usd, signature, last_valid_block_height, last_error, attempts, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id, kind) WHERE state = 'open' DO NOTHING
	`, p.ID, p.OrderID, p.Kind, p.Recipient, p.AmountUSD, p.Signature, int64(p.LastValidBlockHeight), p.LastError, p.Attempts, p.State)
	if err != nil {
		return fmt.Errorf("insert pending settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementOpen
	}
	return nil
}

// ClaimOpenSettlements leases up to limit open rows, oldest first. Rows leased by
// another worker are skipped until their lease runs out.
func (r *Repository) ClaimOpenSettlements(ctx context.Context, limit int, lease time.Duration) ([]*models.PendingSettlement, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE pending_settlements
		SET claimed_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM pending_settlements
			WHERE state = 'open' AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pendingColumns, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending settlements: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanPending)
	if err != nil {
		return nil, err
	}
	sortByCreated(list)
	return list, nil
}

// BeginSettlementAttempt journals the signature of a transfer about to be broadcast.
// It only succeeds while the row is open, unsigned and still at attempts-1, so two
// workers can never both broadcast for one row.
func (r *Repository) BeginSettlementAttempt(ctx context.Context, p *models.PendingSettlement) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pending_settlements
		SET signature = $2, last_valid_block_height = $3, attempts = $4, last_error = '', updated_at = now()
		WHERE id = $1 AND state = 'open' AND signature IS NULL AND attempts = $4 - 1
	`, p.ID, p.Signature, int64(p.LastValidBlockHeight), p.Attempts)
	if err != nil {
		return fmt.Errorf("begin settlement attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementChanged
	}
	return nil
}

// UpdatePendingSettlement records the outcome of a settlement attempt.
func (r *Repository) UpdatePendingSettlement(ctx context.Context, p *models.PendingSettlement) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pending_settlements
		SET signature = $2, last_valid_block_height = $3, last_error = $4, attempts = $5, state = $6, updated_at = now()
		WHERE id = $1
	`, p.ID, p.Signature, int64(p.LastValidBlockHeight), p.LastError, p.Attempts, p.State)
	return err
}

// ReleaseSettlement drops the lease taken by ClaimOpenSettlements.
func (r *Repository) ReleaseSettlement(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE pending_settlements SET claimed_until = NULL WHERE id = $1`, id)
	return err
}

func scanPending(row pgx.CollectableRow) (*models.PendingSettlement, error) {
	var p models.PendingSettlement
	var lastValid int64
	if err := row.Scan(&p.ID, &p.OrderID, &p.Kind, &p.Recipient, &p.AmountUSD, &p.Signature, &lastValid,
		&p.LastError, &p.Attempts, &p.State, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.LastValidBlockHeight = uint64(lastValid)
	return &p, nil
}

func sortByCreated(list []*models.PendingSettlement) {
	slices.SortFunc(list, func(a, b *models.PendingSettlement) int { return a.CreatedAt.Compare(b.CreatedAt) })
}
