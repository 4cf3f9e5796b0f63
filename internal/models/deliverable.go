package models

import (
	"time"

	"github.com/google/uuid"
)

// Deliverable status enums for workspace generations.
const (
	DeliverableStatusPending    = "pending"
	DeliverableStatusGenerating = "generating"
	DeliverableStatusCompleted  = "completed"
	DeliverableStatusFailed     = "failed"
)

type OrderDeliverable struct {
	ID                   uuid.UUID `json:"id"`
	OrderID              uuid.UUID `json:"order_id"`
	Prompt               string    `json:"prompt"`
	DeliverableURL       *string   `json:"deliverable_url,omitempty"`
	DeliverableMediaType *string   `json:"deliverable_media_type,omitempty"`
	Status               string    `json:"status"`
	Error                *string   `json:"error,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
