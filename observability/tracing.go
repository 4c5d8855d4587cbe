package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a producer span for one outbound event.
	StartPublishSpan(ctx context.Context, eventName, key string) (context.Context, trace.Span)

	// StartDispatchSpan starts a consumer span for one inbound event.
	StartDispatchSpan(ctx context.Context, eventName, key string) (context.Context, trace.Span)

	// StartHandlerSpan starts a child span for one handler invocation.
	StartHandlerSpan(ctx context.Context, handlerID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer("scg-event-bus")}
}

// NewSpanManagerFor returns a SpanManager bound to a specific tracer provider.
func NewSpanManagerFor(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: provider.Tracer("scg-event-bus")}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventName, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(
			attribute.String("event.name", eventName),
			attribute.String("event.key", key),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventName, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbus.dispatch",
		trace.WithAttributes(
			attribute.String("event.name", eventName),
			attribute.String("event.key", key),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handlerID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbus.handle",
		trace.WithAttributes(attribute.String("handler.id", handlerID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}
