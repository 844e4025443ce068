package tracing

import (
	"context"
	"testing"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestNewProviderWithNoEndpointIsANoOp(t *testing.T) {
	p, err := NewProvider(context.Background(), "", "node-1")
	test.AssertNotError(t, err, "NewProvider with no endpoint")
	test.AssertNotError(t, p.Shutdown(context.Background()), "Shutdown on a no-op provider")
}

func TestTracerReturnsATracerEvenWithoutAProvider(t *testing.T) {
	tracer := Tracer("github.com/topos-tce/tce-node/tracing")
	if tracer == nil {
		t.Fatal("expected a non-nil tracer from the default no-op provider")
	}
}
