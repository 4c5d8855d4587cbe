package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/naming"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/subscription"
)

// Bus is the event bus facade shared by every backend. It owns the subscription registry,
// normalizes names on every path, and delegates the wire to a Transport.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	// serializes Subscribe/Unsubscribe so the first-handler bind and the insert are atomic
	mu sync.Mutex

	cfg        atomic.Pointer[config.Config]
	topic      string
	normalizer naming.Normalizer
	registry   *subscription.Registry
	dispatcher *Dispatcher
	transport  Transport
	serializer cbus.Serializer
	propagator cbus.HeaderPropagator

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	stopObserving func()
	closed        atomic.Bool
	closeOnce     sync.Once
	closeErr      error
}

var (
	_ cbus.EventBus = (*Bus)(nil)
	_ Inbound       = (*Bus)(nil)
)

// New constructs a Bus for cfg. tr may be nil for a purely in-process bus whose inbound
// messages are fed through ProcessEvent; publishing then fails with ErrTransportNotConfigured.
func New(cfg config.Config, tr Transport, res cbus.HandlerResolver, opts ...Option) (*Bus, error) {
	o := newOptions(opts)

	if o.serializer == nil {
		s, ok := codec.ByName(cfg.Serializer)
		if !ok {
			return nil, fmt.Errorf("new bus: serializer %q: %w", cfg.Serializer, berr.ErrInvalidConfig)
		}

		o.serializer = s
	}

	n := cfg.Normalizer()
	reg := subscription.NewRegistry()

	d, err := newDispatcher(n, reg, res, o)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		topic:      cfg.DefaultTopicName,
		normalizer: n,
		registry:   reg,
		dispatcher: d,
		transport:  tr,
		serializer: o.serializer,
		propagator: o.propagator,
		logger:     o.logger,
		metrics:    o.metrics,
		spans:      o.spans,
	}
	b.cfg.Store(&cfg)

	if tr != nil {
		b.stopObserving = reg.OnEventRemoved(b.unbind)
	}

	return b, nil
}

func defaultSerializer() cbus.Serializer { return codec.JSON{} }

// Registry returns the subscription registry.
func (b *Bus) Registry() *subscription.Registry { return b.registry }

// Normalizer returns the event name normalizer.
func (b *Bus) Normalizer() naming.Normalizer { return b.normalizer }

// Dispatcher returns the dispatcher inbound messages are routed through.
func (b *Bus) Dispatcher() *Dispatcher { return b.dispatcher }

// Config returns the configuration the bus was built with. It reports false after Close.
func (b *Bus) Config() (config.Config, bool) {
	c := b.cfg.Load()
	if c == nil {
		return config.Config{}, false
	}

	return *c, true
}

// OnEventRemoved registers fn to run when the last handler of an event key is removed.
func (b *Bus) OnEventRemoved(fn func(key string)) (cancel func()) {
	return b.registry.OnEventRemoved(fn)
}

// Publish serializes e and hands it to the transport under its normalized name.
func (b *Bus) Publish(ctx context.Context, e cbus.Event) error {
	if e == nil {
		return fmt.Errorf("publish <nil>: %w", berr.ErrSerializationFailed)
	}

	name := cbus.EventName(e)

	// dynamic events relay their payload untouched
	switch d := e.(type) {
	case cbus.DynamicEvent:
		if len(d.Payload) > 0 {
			return b.send(ctx, name, d.ID.String(), d.Payload)
		}
	case *cbus.DynamicEvent:
		if d != nil && len(d.Payload) > 0 {
			return b.send(ctx, name, d.ID.String(), d.Payload)
		}
	}

	body, err := b.serializer.Serialize(e)
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return b.send(ctx, name, e.Envelope().ID.String(), body)
}

// PublishRaw hands an already serialized body to the transport under eventName.
func (b *Bus) PublishRaw(ctx context.Context, eventName string, body []byte) error {
	return b.send(ctx, eventName, uuid.NewString(), body)
}

func (b *Bus) send(ctx context.Context, name, messageID string, body []byte) (err error) {
	if b.closed.Load() {
		return fmt.Errorf("publish %s: %w", name, berr.ErrBusClosed)
	}

	if b.transport == nil {
		return fmt.Errorf("publish %s: %w", name, berr.ErrTransportNotConfigured)
	}

	key := b.normalizer.Normalize(name)

	ctx, span := b.spans.StartPublishSpan(ctx, name, key)
	defer func() {
		b.spans.EndSpanWithError(span, err)
		b.metrics.RecordPublish(ctx, key, err)
	}()

	headers := map[string]string{
		HeaderEventName: name,
		HeaderMessageID: messageID,
	}
	if b.propagator != nil {
		b.propagator.Inject(ctx, headers)
	}

	msg := Message{
		Topic:       b.topic,
		EventName:   name,
		RoutingKey:  key,
		MessageID:   messageID,
		ContentType: b.serializer.ContentType(),
		Body:        body,
		Headers:     headers,
	}

	if err := b.transport.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("publish %s: %w", name, errors.Join(berr.ErrPublishFailed, err))
	}

	b.logger.DebugContext(ctx, "event published", slog.String("event", name), slog.String("key", key))

	return nil
}

// ProcessEvent routes an inbound payload to the handlers registered for eventName.
func (b *Bus) ProcessEvent(ctx context.Context, eventName string, payload []byte) (bool, error) {
	return b.dispatcher.ProcessEvent(ctx, eventName, payload)
}

// ProcessMessage implements Inbound.
func (b *Bus) ProcessMessage(ctx context.Context, m InboundMessage) (bool, error) {
	processed, err := b.dispatcher.ProcessMessage(ctx, m)
	if err != nil {
		observability.LogDispatchFailed(ctx, b.logger, m.EventName, err)
	}

	return processed, err
}

// Close clears every subscription, closes the transport and drops the configuration.
// Subsequent calls return the first result.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.mu.Lock()
		if b.stopObserving != nil {
			b.stopObserving()
		}

		b.registry.Clear()
		b.mu.Unlock()

		if b.transport != nil {
			b.closeErr = b.transport.Close()
		}

		b.cfg.Store(nil)
	})

	return b.closeErr
}

func (b *Bus) subscribe(ctx context.Context, eventName string, typ subscription.EventType, sub subscription.Subscription) error {
	if b.closed.Load() {
		return fmt.Errorf("subscribe %s: %w", eventName, berr.ErrBusClosed)
	}

	key := b.normalizer.Normalize(eventName)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Close may have run between the check above and taking the lock
	if b.closed.Load() {
		return fmt.Errorf("subscribe %s: %w", eventName, berr.ErrBusClosed)
	}

	bound := false

	if b.transport != nil && !b.registry.HasSubscriptions(key) {
		if err := b.transport.Bind(ctx, key, b); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			return fmt.Errorf("subscribe %s: %w", key, errors.Join(berr.ErrSubscribeFailed, err))
		}

		bound = true
	}

	if err := b.registry.Add(key, typ, sub); err != nil {
		if bound {
			b.unbind(key)
		}

		return err
	}

	b.logger.DebugContext(ctx, "handler subscribed",
		slog.String("key", key), slog.String("handler", sub.Info.HandlerID))

	return nil
}

func (b *Bus) unsubscribe(ctx context.Context, eventName, handlerID string) error {
	if b.closed.Load() {
		return fmt.Errorf("unsubscribe %s: %w", eventName, berr.ErrBusClosed)
	}

	key := b.normalizer.Normalize(eventName)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return fmt.Errorf("unsubscribe %s: %w", eventName, berr.ErrBusClosed)
	}

	if b.registry.Remove(key, handlerID) {
		b.logger.DebugContext(ctx, "handler unsubscribed",
			slog.String("key", key), slog.String("handler", handlerID))
	}

	return nil
}

// unbind runs synchronously from Registry.Remove while b.mu is held.
func (b *Bus) unbind(key string) {
	timeout := config.DefaultConnectTimeout
	if c := b.cfg.Load(); c != nil && c.ConnectTimeout > 0 {
		timeout = c.ConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.transport.Unbind(ctx, key); err != nil {
		observability.LogUnbindFailed(b.logger, key, err)
	}
}
