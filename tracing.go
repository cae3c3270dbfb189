package conduit

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider supplies tracers for engine spans and can be shut down to
// flush pending exports.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Shutdown(ctx context.Context) error
}

// NoopTracerProvider is a TracerProvider that produces no-op tracers.
type NoopTracerProvider struct{}

// Tracer returns a tracer that records nothing.
func (*NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

// Shutdown implements TracerProvider.
func (*NoopTracerProvider) Shutdown(_ context.Context) error {
	return nil
}

// Ensure NoopTracerProvider implements TracerProvider.
var _ TracerProvider = (*NoopTracerProvider)(nil)

// DefaultTracerProvider is used when no provider is configured.
var DefaultTracerProvider TracerProvider = &NoopTracerProvider{}
