// Package tracing bootstraps this node's OpenTelemetry TracerProvider,
// exporting spans via OTLP/gRPC. Components fetch a tracer with
// Tracer(pkg) — a thin wrapper over otel.GetTracerProvider().Tracer(pkg),
// exactly the call AKJUS-boulder/ca.go makes for its own tracer — so a
// deployment that never configures a collector endpoint still runs:
// otel's default no-op provider serves every Start call for free.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource attribute every span from this node
// carries, alongside this node's own subnet id.
const ServiceName = "tce-node"

// Provider owns the sdktrace.TracerProvider this node installs as the
// process-wide default.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider dials an OTLP/gRPC collector at endpoint and installs the
// resulting TracerProvider globally. An empty endpoint builds a Provider
// whose Shutdown is a no-op and leaves otel's default no-op provider in
// place — tracing is opt-in, not a hard dependency on a collector being
// reachable at startup.
func NewProvider(ctx context.Context, endpoint string, nodeID string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: connecting to OTLP collector at %s: %w", endpoint, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.instance.id", nodeID),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans and closes the exporter's connection.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer named for pkg (conventionally its full import
// path), the same otel.GetTracerProvider().Tracer(pkg) call every
// instrumented component makes.
func Tracer(pkg string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(pkg)
}
