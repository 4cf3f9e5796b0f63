package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/models"
)

func (r *Repository) CreateDeliverable(ctx context.Context, d *models.OrderDeliverable) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO order_deliverables (id, order_id, prompt, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, d.ID, d.OrderID, d.Prompt, d.Status).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *Repository) MarkDeliverableGenerating(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE order_deliverables SET status = 'generating', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

func (r *Repository) CompleteDeliverable(ctx context.Context, id uuid.UUID, url, mediaType string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE order_deliverables
		SET status = 'completed', deliverable_url = $2, deliverable_media_type = $3, updated_at = now()
		WHERE id = $1
	`, id, url, mediaType)
	return err
}

func (r *Repository) FailDeliverable(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE order_deliverables SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func (r *Repository) ListDeliverables(ctx context.Context, orderID uuid.UUID) ([]*models.OrderDeliverable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, prompt, deliverable_url, deliverable_media_type, status, error, created_at, updated_at
		FROM order_deliverables WHERE order_id = $1 ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.OrderDeliverable
	for rows.Next() {
		var d models.OrderDeliverable
		if err := rows.Scan(&d.ID, &d.OrderID, &d.Prompt, &d.DeliverableURL, &d.DeliverableMediaType, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &d)
	}
	return list, rows.Err()
}
