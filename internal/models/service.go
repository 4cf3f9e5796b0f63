package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service price_type enums.
const (
	PriceTypeFixed = "fixed"
	PriceTypeQuote = "quote"
)

// Billing periods for workspace services. They determine the quota window length.
const (
	BillingOneTime = "one_time"
	BillingWeekly  = "weekly"
	BillingMonthly = "monthly"
)

type Service struct {
	ID            uuid.UUID       `json:"id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	Title         string          `json:"title"`
	PriceUSD      decimal.Decimal `json:"price_usd"`
	PriceType     string          `json:"price_type"`
	QuotaLimit    int             `json:"quota_limit"`
	BillingPeriod string          `json:"billing_period"`
	ProviderKey   *string         `json:"provider_key,omitempty"`
	ProviderModel *string         `json:"provider_model,omitempty"`
	SystemPrompt  *string         `json:"system_prompt,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsWorkspace reports whether buying the service opens a metered workspace.
func (s *Service) IsWorkspace() bool { return s.QuotaLimit > 0 }

// IsAutomated reports whether a provider adapter fulfills the service.
func (s *Service) IsAutomated() bool { return s.ProviderKey != nil && *s.ProviderKey != "" }

// WorkspaceWindow returns how long a paid workspace stays open.
func (s *Service) WorkspaceWindow() time.Duration {
	switch s.BillingPeriod {
	case BillingWeekly:
		return 7 * 24 * time.Hour
	case BillingMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
