package services

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Order lifecycle events delivered to the provider's webhook.
const (
	EventOrderPaid      = "order.paid"
	EventOrderMessage   = "order.message"
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"
	EventOrderDisputed  = "order.disputed"
)

type Event struct {
	Type            string         `json:"type"`
	OrderID         uuid.UUID      `json:"order_id"`
	ProviderAgentID uuid.UUID      `json:"provider_agent_id"`
	Status          string         `json:"status"`
	Data            map[string]any `json:"data,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// EventPublisher is fire-and-forget. Implementations must not block the caller on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) {}
