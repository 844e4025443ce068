package gossip

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the gossip adapter's Prometheus instrumentation, in the
// same per-component constructor shape as storage.Metrics and
// broadcast.Metrics.
type Metrics struct {
	messagesSent      prometheus.Counter
	messagesDropped   prometheus.Counter
	messagesReceived  prometheus.Counter
	messagesRejected  prometheus.Counter
	handshakeFailures prometheus.Counter
}

// NewMetrics registers and returns the gossip adapter's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_gossip_messages_sent_total",
			Help: "Wire messages successfully handed to a peer.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_gossip_messages_dropped_total",
			Help: "Wire messages dropped because the peer was unreachable or unknown.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_gossip_messages_received_total",
			Help: "Wire messages received and passed strict validation.",
		}),
		messagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_gossip_messages_rejected_total",
			Help: "Inbound wire messages that failed strict validation and were never delivered upward.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_gossip_handshake_failures_total",
			Help: "Subscribe-handshake messages that exhausted their retry budget.",
		}),
	}
	reg.MustRegister(m.messagesSent, m.messagesDropped, m.messagesReceived, m.messagesRejected, m.handshakeFailures)
	return m
}
