package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentbazaar/backend/internal/models"
)

type ServiceRepo struct {
	pool *pgxpool.Pool
}

func NewServiceRepo(pool *pgxpool.Pool) *ServiceRepo {
	return &ServiceRepo{pool: pool}
}

const serviceColumns = `id, agent_id, title, price_usd, price_type, quota_limit, billing_period,
	provider_key, provider_model, system_prompt, is_active, created_at, updated_at`

func scanService(row pgx.Row) (*models.Service, error) {
	var s models.Service
	err := row.Scan(&s.ID, &s.AgentID, &s.Title, &s.PriceUSD, &s.PriceType, &s.QuotaLimit, &s.BillingPeriod,
		&s.ProviderKey, &s.ProviderModel, &s.SystemPrompt, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *ServiceRepo) Create(ctx context.Context, s *models.Service) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO services (id, agent_id, title, price_usd, price_type, quota_limit, billing_period,
			provider_key, provider_model, system_prompt, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, s.ID, s.AgentID, s.Title, s.PriceUSD, s.PriceType, s.QuotaLimit, s.BillingPeriod,
		s.ProviderKey, s.ProviderModel, s.SystemPrompt, s.IsActive).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *ServiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	return scanService(r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
}

func (r *ServiceRepo) ListByAgentID(ctx context.Context, agentID uuid.UUID) ([]*models.Service, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE agent_id = $1 AND is_active ORDER BY created_at DESC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
