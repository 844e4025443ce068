// Package metrics centralizes this node's prometheus.Registerer, in the
// style of AKJUS-boulder's per-component NewCAMetrics(stats
// prometheus.Registerer) constructors: one registry built at startup in
// node, handed to every component's own New<Component>Metrics
// constructor (storage, sampling, broadcast, gossip, sync, stream, rpc,
// ratelimit), and served over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is this node's single prometheus.Registerer, embedded so it
// can be passed directly anywhere a prometheus.Registerer is expected.
type Registry struct {
	*prometheus.Registry
}

// NewRegistry builds an empty Registry with Go runtime and process
// collectors registered, matching prometheus.NewRegistry's usual
// companions in a production binary (as opposed to the bare
// prometheus.NewRegistry() this repository's _test.go files use, which
// deliberately skip these to keep test output small).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Registry{Registry: reg}
}

// Handler serves this registry's metrics in the Prometheus exposition
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
