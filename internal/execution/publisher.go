package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/agentbazaar/backend/internal/services"
)

const publishTimeout = 5 * time.Second

// JobInserter is the part of *river.Client used to enqueue jobs.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverPublisher enqueues order events as webhook jobs. Publish never blocks the
// order action; an insert failure is logged and the event is lost.
type RiverPublisher struct {
	Inserter JobInserter
	Logger   *slog.Logger
}

func NewRiverPublisher(inserter JobInserter, logger *slog.Logger) *RiverPublisher {
	return &RiverPublisher{Inserter: inserter, Logger: logger}
}

func (p *RiverPublisher) Publish(ctx context.Context, ev services.Event) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if _, err := p.Inserter.Insert(ctx, DeliverWebhookArgs{Event: ev}, nil); err != nil {
			p.Logger.Error("enqueue webhook", "order_id", ev.OrderID, "event", ev.Type, "error", err)
		}
	}()
}
