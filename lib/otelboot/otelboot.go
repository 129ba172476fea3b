// Package otelboot optionally wires a tracer for a single voidbox
// invocation. It is off by default (VOIDBOX_OTEL_ENABLED unset): no
// exporter, no network calls, no background goroutines -- a CLI
// invocation is one-shot and has nothing continuous to export to.
package otelboot

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Shutdown flushes and releases any resources acquired by Init.
type Shutdown func(context.Context) error

// Init installs a tracer provider for the duration of one operation. When
// enabled is false (the default), it installs the no-op provider, whose
// spans carry an invalid SpanContext -- lib/logger's traceContextHandler
// checks IsValid() and adds no trace/span ID fields, so a disabled tracer
// costs nothing and taints nothing. When enabled, it installs a real SDK
// provider that samples and records every span, giving call sites real
// trace/span IDs to thread through context and into logs; a production
// deployment would additionally attach an OTLP exporter here, but a
// one-shot CLI invocation has no long-lived collector endpoint to export
// to by default, so Shutdown just releases the provider's in-memory state.
func Init(enabled bool, serviceName string) (trace.Tracer, Shutdown) {
	if !enabled {
		provider := noop.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return provider.Tracer(serviceName), func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(provider)
	return provider.Tracer(serviceName), provider.Shutdown
}
