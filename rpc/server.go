package rpc

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/topos-tce/tce-node/blog"
)

// NewHandler composes APIService, SynchronizerService and ConsoleService
// into one route table and wraps it with request logging and, outermost,
// OpenTelemetry span creation per request (otelhttp defers to whatever
// TracerProvider is installed globally, so this is a no-op until
// tracing.NewProvider configures a collector) — the single http.Handler
// node binds to a listener.
func NewHandler(log blog.Logger, api *APIService, syncSvc *SynchronizerService, console *ConsoleService) http.Handler {
	combined := make(routeTable)
	for path, h := range api.routes() {
		combined[path] = h
	}
	for path, h := range syncSvc.routes() {
		combined[path] = h
	}
	for path, h := range console.routes() {
		combined[path] = h
	}
	return otelhttp.NewHandler(NewTopHandler(log, combined), "tce-node")
}
