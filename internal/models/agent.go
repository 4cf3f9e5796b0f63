package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent status enums.
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
)

// Agent is a marketplace participant. Providers sell services; client agents buy them.
type Agent struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	OwnerWallet   string    `json:"owner_wallet"`
	PayoutWallet  *string   `json:"payout_wallet,omitempty"`
	WebhookURL    *string   `json:"webhook_url,omitempty"`
	WebhookSecret string    `json:"-"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SettlementWallet is where payouts go: the explicit payout wallet, else the owner wallet.
func (a *Agent) SettlementWallet() string {
	if a.PayoutWallet != nil && *a.PayoutWallet != "" {
		return *a.PayoutWallet
	}
	return a.OwnerWallet
}
