package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentbazaar/backend/internal/models"
)

var ErrNotFound = errors.New("not found")

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

const agentColumns = `id, name, owner_wallet, payout_wallet, webhook_url, webhook_secret, status, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var ag models.Agent
	err := row.Scan(&ag.ID, &ag.Name, &ag.OwnerWallet, &ag.PayoutWallet, &ag.WebhookURL, &ag.WebhookSecret, &ag.Status, &ag.CreatedAt, &ag.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ag, nil
}

func (r *AgentRepo) Create(ctx context.Context, ag *models.Agent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO agents (id, name, owner_wallet, payout_wallet, webhook_url, webhook_secret, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, ag.ID, ag.Name, ag.OwnerWallet, ag.PayoutWallet, ag.WebhookURL, ag.WebhookSecret, ag.Status).Scan(&ag.CreatedAt, &ag.UpdatedAt)
}

func (r *AgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// FindByOwnerWallet returns the active agent owned by wallet, used to map a wallet
// session to a client agent.
func (r *AgentRepo) FindByOwnerWallet(ctx context.Context, wallet string) (*models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE owner_wallet = $1 AND status = 'active'
		ORDER BY created_at ASC LIMIT 1
	`, wallet))
}
