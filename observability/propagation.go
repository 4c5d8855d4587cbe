package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// HeaderPropagator carries trace context through message headers using an OTel
// TextMapPropagator. It implements both bus.HeaderPropagator and bus.HeaderExtractor.
type HeaderPropagator struct {
	prop propagation.TextMapPropagator
}

var (
	_ cbus.HeaderPropagator = HeaderPropagator{}
	_ cbus.HeaderExtractor  = HeaderPropagator{}
)

// NewHeaderPropagator wraps prop. A nil prop uses the global OTel propagator.
func NewHeaderPropagator(prop propagation.TextMapPropagator) HeaderPropagator {
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	return HeaderPropagator{prop: prop}
}

// Inject writes the span context of ctx into headers.
func (p HeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	p.prop.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx enriched with the span context found in headers.
func (p HeaderPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.prop.Extract(ctx, propagation.MapCarrier(headers))
}
