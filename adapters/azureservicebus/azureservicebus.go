// Package azureservicebus provides an Azure Service Bus transport for the event bus.
//
// Events are sent to one topic with the normalized event key as message subject. Each bound
// key gets a subscription named "<subscriber app>.<key>" whose only rule is a correlation
// filter on that subject.
package azureservicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Receiver is satisfied by *azservicebus.Receiver.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// Namespace is the subset of data and management plane operations the transport needs.
// NewWithConnectionString builds the SDK backed implementation.
type Namespace interface {
	Send(ctx context.Context, topic string, msg *azservicebus.Message) error
	// EnsureSubscription creates subscription if needed and makes rule, a correlation filter
	// on subject == rule, its only rule.
	EnsureSubscription(ctx context.Context, topic, subscription, rule string) error
	RemoveRule(ctx context.Context, topic, subscription, rule string) error
	NewReceiver(topic, subscription string) (Receiver, error)
	Close(ctx context.Context) error
}

// Options configures a Transport.
type Options struct {
	Topic         string
	SubscriberApp string
	// PrefetchCount is the maximum number of messages received per batch.
	PrefetchCount int
	// Backoff spaces receive attempts after a failure.
	Backoff retry.Backoff
	Logger  *slog.Logger
}

// Transport implements servicebus.Transport over a Namespace.
type Transport struct {
	ns       Namespace
	topic    string
	app      string
	prefetch int
	backoff  retry.Backoff
	logger   *slog.Logger

	mu        sync.Mutex
	receivers map[string]*receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type receiver struct {
	subscription string
	r            Receiver
	cancel       context.CancelFunc
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates an Azure Service Bus transport over ns.
func New(ns Namespace, o Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	prefetch := o.PrefetchCount
	if prefetch < 1 {
		prefetch = 1
	}

	return &Transport{
		ns:        ns,
		topic:     o.Topic,
		app:       o.SubscriberApp,
		prefetch:  prefetch,
		backoff:   o.Backoff,
		logger:    observability.ForTransport(o.Logger, "azureservicebus", o.Topic),
		receivers: make(map[string]*receiver),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SubscriptionName returns the subscription receiving key for this subscriber application.
func (t *Transport) SubscriptionName(key string) string {
	if t.app == "" {
		return key
	}

	return t.app + "." + key
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if err := t.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	props := make(map[string]any, len(m.Headers))
	for k, v := range m.Headers {
		props[k] = v
	}

	msg := &azservicebus.Message{
		MessageID:             to.Ptr(m.MessageID),
		Subject:               to.Ptr(m.RoutingKey),
		ContentType:           to.Ptr(m.ContentType),
		Body:                  m.Body,
		ApplicationProperties: props,
	}

	if err := t.ns.Send(ctx, t.topic, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("azureservicebus send %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Bind ensures the subscription and rule for key and starts receiving from it.
func (t *Transport) Bind(ctx context.Context, key string, in servicebus.Inbound) error {
	if err := t.ready(ctx, berr.ErrSubscribeFailed, "bind"); err != nil {
		return err
	}

	sub := t.SubscriptionName(key)

	if err := t.ns.EnsureSubscription(ctx, t.topic, sub, key); err != nil {
		return fmt.Errorf("azureservicebus subscription %s: %w", sub, err)
	}

	r, err := t.ns.NewReceiver(t.topic, sub)
	if err != nil {
		return fmt.Errorf("azureservicebus receiver %s: %w", sub, err)
	}

	rctx, cancel := context.WithCancel(t.ctx)
	rc := &receiver{subscription: sub, r: r, cancel: cancel}

	t.mu.Lock()
	if old, ok := t.receivers[key]; ok {
		old.cancel()
	}
	t.receivers[key] = rc
	t.mu.Unlock()

	t.wg.Add(1)

	go t.receive(rctx, key, rc, in)

	return nil
}

// Unbind stops receiving key and removes its rule. The subscription is kept.
func (t *Transport) Unbind(ctx context.Context, key string) error {
	t.mu.Lock()
	rc, ok := t.receivers[key]
	delete(t.receivers, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	rc.cancel()

	return t.ns.RemoveRule(ctx, t.topic, rc.subscription, key)
}

// Close stops every receiver and closes the namespace clients.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	clear(t.receivers)
	t.mu.Unlock()

	if t.ns == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return t.ns.Close(ctx)
}

func (t *Transport) receive(ctx context.Context, key string, rc *receiver, in servicebus.Inbound) {
	defer t.wg.Done()
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = rc.r.Close(cctx)
	}()

	failures := 0

	for ctx.Err() == nil {
		msgs, err := rc.r.ReceiveMessages(ctx, t.prefetch, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			t.logger.Warn("azureservicebus receive failed",
				slog.String("subscription", rc.subscription),
				slog.Int("attempt", failures),
				slog.String("error", err.Error()))

			timer := time.NewTimer(t.backoff.Delay(failures))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			continue
		}

		failures = 0

		for _, m := range msgs {
			t.handle(ctx, key, rc, in, m)
		}
	}
}

// handle completes processed and unrouted messages, dead-letters undecodable ones,
// and abandons handler failures for redelivery.
func (t *Transport) handle(ctx context.Context, key string, rc *receiver, in servicebus.Inbound, m *azservicebus.ReceivedMessage) {
	headers := make(map[string]string, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	fallback := key
	if m.Subject != nil && *m.Subject != "" {
		fallback = *m.Subject
	}

	_, err := in.ProcessMessage(ctx, servicebus.InboundMessage{
		EventName: servicebus.EventNameOf(headers, fallback),
		Body:      m.Body,
		Headers:   headers,
	})

	// settle even when the receive loop is stopping
	sctx := context.WithoutCancel(ctx)

	var settleErr error

	switch {
	case err == nil:
		settleErr = rc.r.CompleteMessage(sctx, m, nil)
	case errors.Is(err, berr.ErrDeserializationFailed):
		settleErr = rc.r.DeadLetterMessage(sctx, m, &azservicebus.DeadLetterOptions{
			Reason:           to.Ptr("DeserializationFailed"),
			ErrorDescription: to.Ptr(err.Error()),
		})
	default:
		settleErr = rc.r.AbandonMessage(sctx, m, nil)
	}

	if settleErr != nil {
		t.logger.Warn("azureservicebus settlement failed",
			slog.String("subscription", rc.subscription),
			slog.String("message_id", m.MessageID),
			slog.String("error", settleErr.Error()))
	}
}

func (t *Transport) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.ns == nil {
		return fmt.Errorf("azureservicebus %s: %w", label, base)
	}

	return nil
}
