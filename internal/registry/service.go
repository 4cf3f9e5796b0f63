package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/provider"
	"github.com/agentbazaar/backend/internal/repository"
)

const apiKeyPrefix = "ab_live_"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrAgentExists     = errors.New("wallet already owns an agent")
	ErrUnknownProvider = errors.New("unknown provider key")
)

// AgentStore persists provider agents.
type AgentStore interface {
	Create(ctx context.Context, ag *models.Agent) error
	FindByOwnerWallet(ctx context.Context, wallet string) (*models.Agent, error)
}

// KeyStore persists hashed API keys.
type KeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
}

// ServiceStore persists the service catalog.
type ServiceStore interface {
	Create(ctx context.Context, s *models.Service) error
	ListByAgentID(ctx context.Context, agentID uuid.UUID) ([]*models.Service, error)
}

// ProviderKeys resolves a provider adapter key.
type ProviderKeys interface {
	Get(key string) (provider.Adapter, error)
}

type Service interface {
	RegisterAgent(ctx context.Context, ownerWallet string, in RegisterAgentInput) (*models.Agent, string, error)
	CreateService(ctx context.Context, agent *models.Agent, in CreateServiceInput) (*models.Service, error)
	ListServices(ctx context.Context, agentID uuid.UUID) ([]*models.Service, error)
}

type RegisterAgentInput struct {
	Name         string
	PayoutWallet string
	WebhookURL   string
}

type CreateServiceInput struct {
	Title         string
	PriceUSD      decimal.Decimal
	PriceType     string
	QuotaLimit    int
	BillingPeriod string
	ProviderKey   string
	ProviderModel string
	SystemPrompt  string
}

type service struct {
	agents    AgentStore
	keys      KeyStore
	services  ServiceStore
	providers ProviderKeys
}

func NewService(agents AgentStore, keys KeyStore, services ServiceStore, providers ProviderKeys) *service {
	return &service{agents: agents, keys: keys, services: services, providers: providers}
}

var _ Service = (*service)(nil)

// RegisterAgent creates the caller's provider agent and returns it with a raw API
// key. Only the key's hash is stored; the raw key is shown once.
func (s *service) RegisterAgent(ctx context.Context, ownerWallet string, in RegisterAgentInput) (*models.Agent, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := chain.ParseAddress(ownerWallet); err != nil {
		return nil, "", fmt.Errorf("%w: owner wallet", ErrInvalidInput)
	}
	switch _, err := s.agents.FindByOwnerWallet(ctx, ownerWallet); {
	case err == nil:
		return nil, "", ErrAgentExists
	case !errors.Is(err, repository.ErrNotFound):
		return nil, "", fmt.Errorf("find agent: %w", err)
	}

	ag := &models.Agent{
		ID:          uuid.New(),
		Name:        name,
		OwnerWallet: ownerWallet,
		Status:      models.AgentStatusActive,
	}
	if in.PayoutWallet != "" {
		if _, err := chain.ParseAddress(in.PayoutWallet); err != nil {
			return nil, "", fmt.Errorf("%w: payout_wallet", ErrInvalidInput)
		}
		ag.PayoutWallet = &in.PayoutWallet
	}
	if in.WebhookURL != "" {
		if !strings.HasPrefix(in.WebhookURL, "https://") && !strings.HasPrefix(in.WebhookURL, "http://") {
			return nil, "", fmt.Errorf("%w: webhook_url must be http(s)", ErrInvalidInput)
		}
		ag.WebhookURL = &in.WebhookURL
		secret, err := randomHex(32)
		if err != nil {
			return nil, "", err
		}
		ag.WebhookSecret = secret
	}
	if err := s.agents.Create(ctx, ag); err != nil {
		return nil, "", fmt.Errorf("create agent: %w", err)
	}

	raw, err := randomHex(24)
	if err != nil {
		return nil, "", err
	}
	raw = apiKeyPrefix + raw
	key := &models.APIKey{
		ID:        uuid.New(),
		AgentID:   ag.ID,
		KeyHash:   middleware.HashKey(raw),
		KeyPrefix: raw[:len(apiKeyPrefix)+6],
		IsActive:  true,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return ag, raw, nil
}

func (s *service) CreateService(ctx context.Context, agent *models.Agent, in CreateServiceInput) (*models.Service, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.PriceType == "" {
		in.PriceType = models.PriceTypeFixed
	}
	if in.BillingPeriod == "" {
		in.BillingPeriod = models.BillingOneTime
	}
	price := in.PriceUSD.Round(2)
	switch in.PriceType {
	case models.PriceTypeFixed:
		if !price.IsPositive() {
			return nil, fmt.Errorf("%w: fixed-price services need price_usd > 0", ErrInvalidInput)
		}
	case models.PriceTypeQuote:
		if price.IsNegative() {
			return nil, fmt.Errorf("%w: price_usd must not be negative", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: price_type must be fixed or quote", ErrInvalidInput)
	}
	switch in.BillingPeriod {
	case models.BillingOneTime, models.BillingWeekly, models.BillingMonthly:
	default:
		return nil, fmt.Errorf("%w: unknown billing_period", ErrInvalidInput)
	}
	if in.QuotaLimit < 0 {
		return nil, fmt.Errorf("%w: quota_limit must not be negative", ErrInvalidInput)
	}
	if in.QuotaLimit > 0 && in.ProviderKey == "" {
		return nil, fmt.Errorf("%w: workspace services need a provider_key", ErrInvalidInput)
	}

	svc := &models.Service{
		ID:            uuid.New(),
		AgentID:       agent.ID,
		Title:         title,
		PriceUSD:      price,
		PriceType:     in.PriceType,
		QuotaLimit:    in.QuotaLimit,
		BillingPeriod: in.BillingPeriod,
		IsActive:      true,
	}
	if in.ProviderKey != "" {
		if _, err := s.providers.Get(in.ProviderKey); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, in.ProviderKey)
		}
		svc.ProviderKey = &in.ProviderKey
	}
	if in.ProviderModel != "" {
		svc.ProviderModel = &in.ProviderModel
	}
	if in.SystemPrompt != "" {
		svc.SystemPrompt = &in.SystemPrompt
	}
	if err := s.services.Create(ctx, svc); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return svc, nil
}

func (s *service) ListServices(ctx context.Context, agentID uuid.UUID) ([]*models.Service, error) {
	return s.services.ListByAgentID(ctx, agentID)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
