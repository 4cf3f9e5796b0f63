package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the settlement and fulfillment engine
var (
	PaymentsVerifiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_verified_total",
			Help: "Total number of escrow payments accepted",
		},
	)

	PaymentsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_rejected_total",
			Help: "Total number of escrow payments rejected, by reason",
		},
		[]string{"reason"},
	)

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Total number of payout/refund attempts, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PendingSettlementsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pending_settlements_resolved_total",
			Help: "Total number of queued settlements closed by reconciliation, by final state",
		},
		[]string{"state"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_total",
			Help: "Total number of provider generation calls, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Duration of provider generation calls including polling",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	StatusTransitionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "status_transition_conflicts_total",
			Help: "Total number of conditional status updates that lost a race",
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(PaymentsVerifiedTotal)
	prometheus.MustRegister(PaymentsRejectedTotal)
	prometheus.MustRegister(SettlementsTotal)
	prometheus.MustRegister(PendingSettlementsResolvedTotal)
	prometheus.MustRegister(GenerationsTotal)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(StatusTransitionConflictsTotal)
	prometheus.MustRegister(WebhookDeliveriesTotal)
}
