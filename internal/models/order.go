package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order status enums. The main chain is forward-only; cancelled and disputed are side exits.
const (
	OrderStatusPendingQuote = "pending_quote"
	OrderStatusQuoted       = "quoted"
	OrderStatusAccepted     = "accepted"
	OrderStatusPaid         = "paid"
	OrderStatusInProgress   = "in_progress"
	OrderStatusDelivered    = "delivered"
	OrderStatusCompleted    = "completed"
	OrderStatusCancelled    = "cancelled"
	OrderStatusDisputed     = "disputed"
)

// Payment methods accepted for escrow transactions.
const (
	PaymentMethodUSDCSolana = "usdc_solana"
)

type Order struct {
	ID                   uuid.UUID       `json:"id"`
	ServiceID            uuid.UUID       `json:"service_id"`
	ProviderAgentID      uuid.UUID       `json:"provider_agent_id"`
	ClientAgentID        *uuid.UUID      `json:"client_agent_id,omitempty"`
	ClientWallet         *string         `json:"client_wallet,omitempty"`
	Brief                string          `json:"brief"`
	QuotedPriceUSD       decimal.Decimal `json:"quoted_price_usd"`
	PlatformFeeUSD       decimal.Decimal `json:"platform_fee_usd"`
	PaymentMethod        string          `json:"payment_method"`
	Status               string          `json:"status"`
	EscrowTxHash         *string         `json:"escrow_tx_hash,omitempty"`
	PayoutTxHash         *string         `json:"payout_tx_hash,omitempty"`
	DeliverableURL       *string         `json:"deliverable_url,omitempty"`
	DeliverableMediaType *string         `json:"deliverable_media_type,omitempty"`
	QuotaTotal           int             `json:"quota_total"`
	QuotaUsed            int             `json:"quota_used"`
	QuotaReserved        int             `json:"quota_reserved"`
	WorkspaceExpiresAt   *time.Time      `json:"workspace_expires_at,omitempty"`
	FulfillmentAttempts  int             `json:"fulfillment_attempts"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	DeliveredAt          *time.Time      `json:"delivered_at,omitempty"`
	ReviewDeadline       *time.Time      `json:"review_deadline,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// IsWorkspace reports whether the order is metered against a generation quota.
func (o *Order) IsWorkspace() bool { return o.QuotaTotal > 0 }

// TotalDueUSD is what the client pays into escrow: quoted price plus platform fee.
func (o *Order) TotalDueUSD() decimal.Decimal { return o.QuotedPriceUSD.Add(o.PlatformFeeUSD) }

// QuotaRemaining excludes generations that are currently in flight.
func (o *Order) QuotaRemaining() int {
	n := o.QuotaTotal - o.QuotaUsed - o.QuotaReserved
	if n < 0 {
		return 0
	}
	return n
}
