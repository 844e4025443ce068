package storage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the store's prometheus instruments, constructed once per
// node and shared by every Store implementation, in the style of the
// teacher's NewCAMetrics(stats prometheus.Registerer).
type Metrics struct {
	certificatesDelivered prometheus.Counter
	pendingGauge          prometheus.Gauge
	positionConflicts     prometheus.Counter
	commitLatency         prometheus.Histogram
}

// NewMetrics registers and returns the store's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		certificatesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_storage_certificates_delivered_total",
			Help: "Total number of certificates committed to the store.",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tce_storage_pending_certificates",
			Help: "Current number of certificates in the pending queue.",
		}),
		positionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_storage_position_conflicts_total",
			Help: "Total number of commits rejected due to an already-taken stream position.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tce_storage_commit_seconds",
			Help:    "Latency of a certificate delivery commit, perpetual and index batch combined.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.certificatesDelivered, m.pendingGauge, m.positionConflicts, m.commitLatency)
	return m
}
