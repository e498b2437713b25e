package outbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the outbox dispatcher.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	BatchSize        prometheus.Histogram
	CycleErrors      prometheus.Counter
}

// NewMetrics registers and returns dispatcher metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsrelay_outbox_events_total",
			Help: "Outbox events processed by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsrelay_outbox_delivery_duration_seconds",
			Help:    "Duration of sink delivery calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms .. ~10s
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsrelay_outbox_claim_batch_size",
			Help:    "Events claimed per non-empty batch.",
			Buckets: prometheus.LinearBuckets(1, 5, 11), // 1 .. 51
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsrelay_outbox_cycle_errors_total",
			Help: "Dispatch cycles that failed at the claim level.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.DeliveryDuration,
		m.BatchSize,
		m.CycleErrors,
	)

	return m
}
