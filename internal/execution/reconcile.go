package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

const reconcileBatch = 50

// ReconcileSettlementsArgs triggers one pass over the pending-settlement outbox.
type ReconcileSettlementsArgs struct{}

func (ReconcileSettlementsArgs) Kind() string { return "reconcile_settlements" }

func (ReconcileSettlementsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSettlement,
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// ReconcileWorker runs one reconciliation pass per job. Its timeout must exceed one
// transfer's confirmation wait so a pass does not routinely cut sends short.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileSettlementsArgs]
	settler Reconciler
	timeout time.Duration
	logger  *slog.Logger
}

func NewReconcileWorker(settler Reconciler, timeout time.Duration, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{settler: settler, timeout: timeout, logger: logger}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileSettlementsArgs]) time.Duration {
	return w.timeout
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileSettlementsArgs]) error {
	n, err := w.settler.Reconcile(ctx, reconcileBatch)
	if err != nil {
		return fmt.Errorf("reconcile settlements: %w", err)
	}
	if n > 0 {
		w.logger.Info("pending settlements closed", "count", n)
	}
	return nil
}

// ReconcilePeriodicJob schedules reconciliation every interval, starting at boot.
func ReconcilePeriodicJob(every time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(every),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileSettlementsArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
