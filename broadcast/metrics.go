package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the broadcast engine's Prometheus instrumentation, grounded
// on storage.Metrics and, further back, boulder's per-component
// NewXMetrics constructors: one histogram tracking end-to-end delivery
// latency (SPEC_FULL.md supplemental feature 1, per-candidate delivery
// latency).
type Metrics struct {
	deliverySeconds prometheus.Histogram
}

// NewMetrics registers and returns the broadcast engine's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliverySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tce_broadcast_delivery_seconds",
			Help:    "Time from a certificate first becoming a delivery candidate to its commit to storage.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.deliverySeconds)
	return m
}
