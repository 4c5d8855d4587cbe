package servicebus

import (
	"context"
	"log/slog"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/observability"
)

// HandlerCall describes one handler invocation passed through middleware.
type HandlerCall struct {
	EventKey  string
	HandlerID string
	Event     cbus.Event
}

// HandlerMiddleware wraps handler invocation. Middlewares are executed in registration order.
type HandlerMiddleware func(
	next func(ctx context.Context, call HandlerCall) error,
) func(ctx context.Context, call HandlerCall) error

// Option configures a Bus or Dispatcher.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	serializer cbus.Serializer
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	propagator cbus.HeaderPropagator
	extractor  cbus.HeaderExtractor
	middleware []HandlerMiddleware
}

func newOptions(opts []Option) options {
	o := options{
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		propagator: cbus.NopHeaderPropagator{},
		extractor:  cbus.NopHeaderPropagator{},
	}
	for _, f := range opts {
		f(&o)
	}

	o.logger = observability.OrDiscard(o.logger)

	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSerializer overrides the serializer selected by the configuration.
func WithSerializer(s cbus.Serializer) Option { return func(o *options) { o.serializer = s } }

// WithMetrics enables metrics recording. A nil recorder keeps the no-op default.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager enables tracing. A nil manager keeps the no-op default.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithPropagator injects trace context into outbound headers. If p also implements
// bus.HeaderExtractor it is used for inbound messages as well.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(o *options) {
		o.propagator = p
		if ex, ok := p.(cbus.HeaderExtractor); ok {
			o.extractor = ex
		}
	}
}

// WithHandlerMiddleware registers global handler middleware.
func WithHandlerMiddleware(mw ...HandlerMiddleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}
