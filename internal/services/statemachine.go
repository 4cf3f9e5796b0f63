package services

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/models"
)

// Actions accepted by the orchestrator.
const (
	ActionQuote    = "quote"
	ActionAccept   = "accept"
	ActionPay      = "pay"
	ActionFulfill  = "fulfill"
	ActionGenerate = "generate"
	ActionDeliver  = "deliver"
	ActionApprove  = "approve"
	ActionDispute  = "dispute"
	ActionCancel   = "cancel"
)

// actionSources lists the statuses each action may start from.
var actionSources = map[string][]string{
	ActionQuote:    {models.OrderStatusPendingQuote},
	ActionAccept:   {models.OrderStatusQuoted},
	ActionPay:      {models.OrderStatusQuoted, models.OrderStatusAccepted},
	ActionFulfill:  {models.OrderStatusPaid},
	ActionGenerate: {models.OrderStatusInProgress},
	ActionDeliver:  {models.OrderStatusPaid, models.OrderStatusInProgress},
	ActionApprove:  {models.OrderStatusDelivered},
	ActionDispute:  {models.OrderStatusDelivered},
	ActionCancel:   {models.OrderStatusPendingQuote, models.OrderStatusQuoted, models.OrderStatusAccepted, models.OrderStatusPaid},
}

// edges is the full transition graph. in_progress -> paid is the fulfillment
// fallback and stall revert.
var edges = map[string][]string{
	models.OrderStatusPendingQuote: {models.OrderStatusQuoted, models.OrderStatusCancelled},
	models.OrderStatusQuoted:       {models.OrderStatusAccepted, models.OrderStatusPaid, models.OrderStatusInProgress, models.OrderStatusCancelled},
	models.OrderStatusAccepted:     {models.OrderStatusPaid, models.OrderStatusInProgress, models.OrderStatusCancelled},
	models.OrderStatusPaid:         {models.OrderStatusInProgress, models.OrderStatusCancelled},
	models.OrderStatusInProgress:   {models.OrderStatusDelivered, models.OrderStatusPaid},
	models.OrderStatusDelivered:    {models.OrderStatusCompleted, models.OrderStatusDisputed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	return slices.Contains(edges[from], to)
}

// Allowed reports whether action may run on an order in status.
func Allowed(action, status string) bool {
	return slices.Contains(actionSources[action], status)
}

// IsTerminal reports whether no action can move the order further.
func IsTerminal(status string) bool {
	switch status {
	case models.OrderStatusCompleted, models.OrderStatusCancelled, models.OrderStatusDisputed:
		return true
	}
	return false
}

var feeRate = decimal.NewFromFloat(0.10)

// PlatformFee is 10% of price rounded to cents.
func PlatformFee(price decimal.Decimal) decimal.Decimal {
	return price.Mul(feeRate).Round(2)
}
