// Package nats provides a NATS transport for the event bus.
//
// Events are published to the subject "<topic>.<key>". Each bound key gets a queue
// subscription named after the subscriber application, so instances of one application
// share the load while different applications each receive every event.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Msg is an inbound NATS message.
type Msg struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// QueueSubscribe delivers messages on subject to one member of queue.
	QueueSubscribe(subject, queue string, cb func(Msg)) (Subscription, error)
	Close() error
}

// Options configures a Transport.
type Options struct {
	// Topic is the subject root.
	Topic string
	// Queue is the queue group, usually the subscriber application name.
	Queue  string
	Logger *slog.Logger
}

// Transport implements servicebus.Transport using an injected NATS-like Client.
type Transport struct {
	client Client
	topic  string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Subscription

	// lifetime of inbound dispatches
	ctx    context.Context
	cancel context.CancelFunc
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates a NATS transport over c.
func New(c Client, o Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		client: c,
		topic:  o.Topic,
		queue:  o.Queue,
		logger: observability.ForTransport(o.Logger, "nats", o.Topic),
		subs:   make(map[string]Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subject returns the subject events with key are published to.
func (t *Transport) Subject(key string) string {
	if t.topic == "" {
		return key
	}

	return t.topic + "." + key
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if err := t.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}

	if m.ContentType != "" {
		headers["content-type"] = m.ContentType
	}

	if err := t.client.Publish(t.Subject(m.RoutingKey), m.Body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Bind starts a queue subscription for key.
func (t *Transport) Bind(ctx context.Context, key string, in servicebus.Inbound) error {
	if err := t.ready(ctx, berr.ErrSubscribeFailed, "bind"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[key]; ok {
		return nil
	}

	sub, err := t.client.QueueSubscribe(t.Subject(key), t.queue, func(m Msg) {
		t.deliver(key, in, m)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", t.Subject(key), errors.Join(berr.ErrSubscribeFailed, err))
	}

	t.subs[key] = sub

	return nil
}

// Unbind cancels the subscription for key.
func (t *Transport) Unbind(_ context.Context, key string) error {
	t.mu.Lock()
	sub, ok := t.subs[key]
	delete(t.subs, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	return sub.Unsubscribe()
}

// Close cancels every subscription and closes the client.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]Subscription)
	t.mu.Unlock()

	var errs []error

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	if t.client != nil {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// NATS has no redelivery for core subscriptions; failures are logged.
func (t *Transport) deliver(key string, in servicebus.Inbound, m Msg) {
	_, err := in.ProcessMessage(t.ctx, servicebus.InboundMessage{
		EventName: servicebus.EventNameOf(m.Headers, key),
		Body:      m.Data,
		Headers:   m.Headers,
	})
	if err != nil {
		t.logger.Warn("nats delivery failed",
			slog.String("subject", m.Subject), slog.String("error", err.Error()))
	}
}

func (t *Transport) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.client == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}
