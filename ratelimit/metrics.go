package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the submission limiter's Prometheus instrumentation, in the
// same per-component constructor shape as storage.Metrics,
// broadcast.Metrics and rpc.Metrics.
type Metrics struct {
	admitted         prometheus.Counter
	rejected         prometheus.Counter
	quotaUnavailable prometheus.Counter
}

// NewMetrics registers and returns the limiter's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_ratelimit_submissions_admitted_total",
			Help: "SubmitCertificate calls admitted by the submission limiter.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_ratelimit_submissions_rejected_total",
			Help: "SubmitCertificate calls rejected by the local bucket or the distributed quota.",
		}),
		quotaUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_ratelimit_quota_unavailable_total",
			Help: "Submissions admitted on the local bucket alone because the distributed quota could not be reached.",
		}),
	}
	reg.MustRegister(m.admitted, m.rejected, m.quotaUnavailable)
	return m
}
