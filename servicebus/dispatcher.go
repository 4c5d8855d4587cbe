package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/naming"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/subscription"
)

// Dispatcher routes an inbound (event name, payload) pair to the handlers registered for
// its normalized key. It holds no state of its own beyond its collaborators.
type Dispatcher struct {
	normalizer naming.Normalizer
	registry   *subscription.Registry
	resolver   cbus.HandlerResolver
	serializer cbus.Serializer

	middleware []HandlerMiddleware
	extractor  cbus.HeaderExtractor
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
}

// NewDispatcher constructs a Dispatcher. Only the logging, metrics, tracing, propagation and
// middleware options apply; the serializer defaults to JSON when not set.
func NewDispatcher(
	n naming.Normalizer,
	reg *subscription.Registry,
	res cbus.HandlerResolver,
	opts ...Option,
) (*Dispatcher, error) {
	return newDispatcher(n, reg, res, newOptions(opts))
}

func newDispatcher(
	n naming.Normalizer,
	reg *subscription.Registry,
	res cbus.HandlerResolver,
	o options,
) (*Dispatcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("dispatcher: nil registry: %w", berr.ErrInvalidConfig)
	}

	if res == nil {
		return nil, fmt.Errorf("dispatcher: nil handler resolver: %w", berr.ErrInvalidConfig)
	}

	ser := o.serializer
	if ser == nil {
		ser = defaultSerializer()
	}

	return &Dispatcher{
		normalizer: n,
		registry:   reg,
		resolver:   res,
		serializer: ser,
		middleware: o.middleware,
		extractor:  o.extractor,
		logger:     o.logger,
		metrics:    o.metrics,
		spans:      o.spans,
	}, nil
}

// ProcessEvent dispatches payload to every handler registered for the normalized form of
// eventName, sequentially and in registration order.
//
// It reports false with a nil error when nothing is subscribed. Handlers the resolver cannot
// provide are skipped. The payload is decoded once, before the first resolved handler runs.
// A handler error aborts the remaining handlers and is returned unchanged. Cancellation of ctx
// is checked before each handler.
func (d *Dispatcher) ProcessEvent(ctx context.Context, eventName string, payload []byte) (processed bool, err error) {
	key := d.normalizer.Normalize(eventName)

	snap, ok := d.registry.Snapshot(key)
	if !ok {
		return false, nil
	}

	start := time.Now()

	ctx, span := d.spans.StartDispatchSpan(ctx, eventName, key)
	defer func() {
		d.spans.EndSpanWithError(span, err)
		d.metrics.RecordDispatch(ctx, key, processed, time.Since(start), err)
	}()

	var evt cbus.Event

	for _, s := range snap.Subscriptions {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		h, found := d.resolver.Resolve(ctx, s.Info.HandlerID)
		if !found || h == nil {
			observability.LogHandlerSkipped(ctx, d.logger, key, s.Info.HandlerID)
			continue
		}

		if evt == nil {
			evt, err = snap.Type.Decode(d.serializer, payload)
			if err != nil {
				return false, fmt.Errorf(
					"dispatch %s as %s: %w", key, snap.Type.Name(),
					errors.Join(berr.ErrDeserializationFailed, err),
				)
			}
		}

		if err := d.invoke(ctx, key, s, h, evt); err != nil {
			return false, err
		}
	}

	return true, nil
}

// ProcessMessage restores the propagated context from m's headers and dispatches it.
func (d *Dispatcher) ProcessMessage(ctx context.Context, m InboundMessage) (bool, error) {
	if d.extractor != nil && len(m.Headers) > 0 {
		ctx = d.extractor.Extract(ctx, m.Headers)
	}

	return d.ProcessEvent(ctx, m.EventName, m.Body)
}

func (d *Dispatcher) invoke(
	ctx context.Context,
	key string,
	s subscription.Subscription,
	handler any,
	evt cbus.Event,
) error {
	final := func(ctx context.Context, call HandlerCall) error {
		return s.Invoke(ctx, handler, call.Event)
	}

	// first registered middleware runs first
	for i := len(d.middleware) - 1; i >= 0; i-- {
		final = d.middleware[i](final)
	}

	start := time.Now()
	hctx, span := d.spans.StartHandlerSpan(ctx, s.Info.HandlerID)

	err := final(hctx, HandlerCall{EventKey: key, HandlerID: s.Info.HandlerID, Event: evt})

	d.spans.EndSpanWithError(span, err)
	d.metrics.RecordHandler(ctx, key, s.Info.HandlerID, time.Since(start), err)

	return err
}
