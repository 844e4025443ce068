package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Push-Stream API's Prometheus instrumentation, in the
// same per-component constructor shape as storage.Metrics,
// broadcast.Metrics, gossip.Metrics and sync.Metrics.
type Metrics struct {
	streamsOpened      prometheus.Counter
	streamsClosed      prometheus.Counter
	certificatesPushed prometheus.Counter
}

// NewMetrics registers and returns the push-stream server's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_stream_opened_total",
			Help: "Push-stream subscriptions opened.",
		}),
		streamsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_stream_closed_total",
			Help: "Push-stream subscriptions closed, including overflow closures.",
		}),
		certificatesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_stream_certificates_pushed_total",
			Help: "Certificates pushed to subscribers, replayed and live combined.",
		}),
	}
	reg.MustRegister(m.streamsOpened, m.streamsClosed, m.certificatesPushed)
	return m
}
