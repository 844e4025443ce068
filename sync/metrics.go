package sync

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Checkpoint Synchronizer's Prometheus instrumentation, in
// the same per-component constructor shape as storage.Metrics,
// broadcast.Metrics and gossip.Metrics.
type Metrics struct {
	ticksStarted        prometheus.Counter
	ticksFailed         prometheus.Counter
	proofsPersisted     prometheus.Counter
	certificatesSynced  prometheus.Counter
	fetchesDeduplicated prometheus.Counter
}

// NewMetrics registers and returns the synchronizer's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_sync_ticks_started_total",
			Help: "Checkpoint synchronization rounds initiated.",
		}),
		ticksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_sync_ticks_failed_total",
			Help: "Checkpoint synchronization rounds that aborted before completing.",
		}),
		proofsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_sync_proofs_persisted_total",
			Help: "Proofs of delivery persisted as unverified pending a certificate body.",
		}),
		certificatesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_sync_certificates_synced_total",
			Help: "Certificate bodies fetched and committed via checkpoint sync.",
		}),
		fetchesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tce_sync_fetches_deduplicated_total",
			Help: "FetchCertificates requests skipped because the id was already claimed by the recently-fetched cache.",
		}),
	}
	reg.MustRegister(m.ticksStarted, m.ticksFailed, m.proofsPersisted, m.certificatesSynced, m.fetchesDeduplicated)
	return m
}
