package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestRegistryServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tce_metrics_test_total",
		Help: "A counter used only by this test.",
	})
	reg.MustRegister(counter)
	counter.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	test.AssertEquals(t, rec.Code, 200, "metrics endpoint status")
	if !strings.Contains(rec.Body.String(), "tce_metrics_test_total 1") {
		t.Fatalf("expected the registered counter in the scrape output, got:\n%s", rec.Body.String())
	}
}
