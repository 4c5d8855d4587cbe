package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one outbound event.
	RecordPublish(ctx context.Context, key string, err error)

	// RecordDispatch records one inbound ProcessEvent call.
	RecordDispatch(ctx context.Context, key string, processed bool, duration time.Duration, err error)

	// RecordHandler records one handler invocation.
	RecordHandler(ctx context.Context, key, handlerID string, duration time.Duration, err error)
}

type otelMetrics struct {
	publishes       metric.Int64Counter
	publishErrors   metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	invocations     metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerLatency  metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("scg-event-bus"))
	})

	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var (
		m   otelMetrics
		err error
	)

	if m.publishes, err = meter.Int64Counter("eventbus.publish.count",
		metric.WithDescription("Number of published events"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter("eventbus.publish.errors",
		metric.WithDescription("Number of failed publishes"),
	); err != nil {
		return nil, err
	}

	if m.dispatches, err = meter.Int64Counter("eventbus.dispatch.count",
		metric.WithDescription("Number of inbound events dispatched"),
	); err != nil {
		return nil, err
	}

	if m.dispatchLatency, err = meter.Float64Histogram("eventbus.dispatch.latency_ms",
		metric.WithDescription("Inbound dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.invocations, err = meter.Int64Counter("eventbus.handler.invocations",
		metric.WithDescription("Number of handler invocations"),
	); err != nil {
		return nil, err
	}

	if m.handlerErrors, err = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of handler invocations that returned an error"),
	); err != nil {
		return nil, err
	}

	if m.handlerLatency, err = meter.Float64Histogram("eventbus.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel meter provider.
// If metrics initialization fails, returns a no-op recorder.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}

	return m
}

// NewMetricsRecorderFor returns a MetricsRecorder bound to a specific meter provider.
func NewMetricsRecorderFor(provider metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(provider.Meter("scg-event-bus"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *otelMetrics) RecordPublish(ctx context.Context, key string, err error) {
	attrs := metric.WithAttributes(attribute.String("event.key", key))

	m.publishes.Add(ctx, 1, attrs)

	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDispatch(
	ctx context.Context,
	key string,
	processed bool,
	duration time.Duration,
	err error,
) {
	attrs := metric.WithAttributes(
		attribute.String("event.key", key),
		attribute.Bool("processed", processed),
		attribute.Bool("error", err != nil),
	)

	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordHandler(
	ctx context.Context,
	key, handlerID string,
	duration time.Duration,
	err error,
) {
	attrs := metric.WithAttributes(
		attribute.String("event.key", key),
		attribute.String("handler.id", handlerID),
	)

	m.invocations.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}
