package rpc

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the RPC surface's Prometheus instrumentation, in the same
// per-component constructor shape as storage.Metrics, broadcast.Metrics,
// gossip.Metrics, sync.Metrics and stream.Metrics.
type Metrics struct {
	submitAccepted      prometheus.Counter
	submitRejected      prometheus.Counter
	synchronizerServed  prometheus.Counter
	synchronizerErrored prometheus.Counter
}

// NewMetrics registers and returns the RPC surface's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_rpc_submit_accepted_total",
			Help: "SubmitCertificate calls accepted for broadcast.",
		}),
		submitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_rpc_submit_rejected_total",
			Help: "SubmitCertificate calls rejected by the rate limiter or the broadcast engine.",
		}),
		synchronizerServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_rpc_synchronizer_served_total",
			Help: "SynchronizerService requests served to a peer.",
		}),
		synchronizerErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_rpc_synchronizer_errored_total",
			Help: "SynchronizerService requests that failed before a response could be written.",
		}),
	}
	reg.MustRegister(m.submitAccepted, m.submitRejected, m.synchronizerServed, m.synchronizerErrored)
	return m
}
