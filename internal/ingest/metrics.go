package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	PollsTotal        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	AlertsAdmitted    *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	AlertsFailed      *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	ConsecutiveErrors *prometheus.GaugeVec
}

// NewMetrics registers and returns ingestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsrelay_source_polls_total",
			Help: "Total source poll attempts by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsrelay_source_poll_duration_seconds",
			Help:    "Duration of individual source polls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"vendor"}),
		AlertsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsrelay_alerts_admitted_total",
			Help: "Alerts admitted to the queue by vendor.",
		}, []string{"vendor"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsrelay_alerts_suppressed_total",
			Help: "Alerts suppressed by the gate, by reason.",
		}, []string{"reason"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsrelay_alerts_failed_total",
			Help: "Alerts that failed admission due to store or predicate errors.",
		}, []string{"vendor"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsrelay_ingest_cycle_duration_seconds",
			Help:    "Duration of full ingestion cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.5min
		}),
		ConsecutiveErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsrelay_source_consecutive_errors",
			Help: "Current consecutive poll error count per source.",
		}, []string{"source", "vendor"}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.PollDuration,
		m.AlertsAdmitted,
		m.AlertsSuppressed,
		m.AlertsFailed,
		m.CycleDuration,
		m.ConsecutiveErrors,
	)

	return m
}
