package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement kinds.
const (
	SettlementPayout = "payout"
	SettlementRefund = "refund"
)

// Pending settlement states.
const (
	PendingSettlementOpen          = "open"
	PendingSettlementResolved      = "resolved"
	PendingSettlementNeedsOperator = "needs_operator"
)

// PayoutRecord is an append-only audit row written after a confirmed on-chain transfer.
type PayoutRecord struct {
	TxHash    string          `json:"tx_hash"`
	OrderID   uuid.UUID       `json:"order_id"`
	Kind      string          `json:"kind"`
	Recipient string          `json:"recipient"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingSettlement is the outbox row journaled before a payout or refund is broadcast.
// Signature is the signed transaction's id, written before it reaches the network. A
// row with a signature is never resent until LastValidBlockHeight has passed.
type PendingSettlement struct {
	ID                   uuid.UUID       `json:"id"`
	OrderID              uuid.UUID       `json:"order_id"`
	Kind                 string          `json:"kind"`
	Recipient            string          `json:"recipient"`
	AmountUSD            decimal.Decimal `json:"amount_usd"`
	Signature            *string         `json:"signature,omitempty"`
	LastValidBlockHeight uint64          `json:"last_valid_block_height,omitempty"`
	LastError            string          `json:"last_error"`
	Attempts             int             `json:"attempts"`
	State                string          `json:"state"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
