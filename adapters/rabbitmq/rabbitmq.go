package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Publishing is one outbound AMQP message.
type Publishing struct {
	MessageID   string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Delivery is one inbound AMQP message with its acknowledgement callbacks.
type Delivery struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Ack        func() error
	Nack       func(requeue bool) error
}

// Broker is the subset of AMQP operations the transport needs. The amqp091 backed
// implementation is built by NewWithAMQP.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, p Publishing) error
	DeclareQueue(ctx context.Context, queue string) error
	BindQueue(ctx context.Context, queue, routingKey, exchange string) error
	UnbindQueue(ctx context.Context, queue, routingKey, exchange string) error
	// Consume starts a consumer identified by tag. The channel closes when the consumer is
	// cancelled or the connection drops.
	Consume(ctx context.Context, queue, tag string, prefetch int) (<-chan Delivery, error)
	Cancel(tag string) error
	Close() error
}

// Options configures a Transport.
type Options struct {
	// Exchange receives every published event.
	Exchange string
	// SubscriberApp qualifies queue names.
	SubscriberApp string
	// PrefetchCount is both the AMQP prefetch and the number of concurrent workers per queue.
	PrefetchCount int
	// Backoff spaces resubscription attempts after the connection drops.
	Backoff retry.Backoff
	Logger  *slog.Logger
}

// Transport implements servicebus.Transport over a Broker.
type Transport struct {
	broker   Broker
	exchange string
	app      string
	prefetch int
	logger   *slog.Logger
	backoff  retry.Backoff

	mu        sync.Mutex
	consumers map[string]*consumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type consumer struct {
	key    string
	queue  string
	in     servicebus.Inbound
	cancel context.CancelFunc
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates a RabbitMQ transport over b.
func New(b Broker, o Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	prefetch := o.PrefetchCount
	if prefetch < 1 {
		prefetch = 1
	}

	return &Transport{
		broker:    b,
		exchange:  o.Exchange,
		app:       o.SubscriberApp,
		prefetch:  prefetch,
		logger:    observability.ForTransport(o.Logger, "rabbitmq", o.Exchange),
		backoff:   o.Backoff,
		consumers: make(map[string]*consumer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// QueueName returns the queue consuming key for this subscriber application.
func (t *Transport) QueueName(key string) string {
	if t.app == "" {
		return key
	}

	return t.app + "." + key
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if err := t.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	p := Publishing{
		MessageID:   m.MessageID,
		ContentType: m.ContentType,
		Headers:     m.Headers,
		Body:        m.Body,
	}

	if err := t.broker.Publish(ctx, t.exchange, m.RoutingKey, p); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Bind declares the subscriber queue for key, binds it to the exchange and starts consuming.
func (t *Transport) Bind(ctx context.Context, key string, in servicebus.Inbound) error {
	if err := t.ready(ctx, berr.ErrSubscribeFailed, "bind"); err != nil {
		return err
	}

	queue := t.QueueName(key)

	if err := t.broker.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", queue, err)
	}

	if err := t.broker.BindQueue(ctx, queue, key, t.exchange); err != nil {
		return fmt.Errorf("rabbitmq bind %s: %w", queue, err)
	}

	deliveries, err := t.broker.Consume(ctx, queue, queue, t.prefetch)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	cctx, cancel := context.WithCancel(t.ctx)
	c := &consumer{key: key, queue: queue, in: in, cancel: cancel}

	t.mu.Lock()
	if old, ok := t.consumers[key]; ok {
		old.cancel()
	}
	t.consumers[key] = c
	t.mu.Unlock()

	t.wg.Add(1)

	go t.consume(cctx, c, deliveries)

	return nil
}

// Unbind stops the consumer of key and removes the queue binding. The queue is kept.
func (t *Transport) Unbind(ctx context.Context, key string) error {
	t.mu.Lock()
	c, ok := t.consumers[key]
	delete(t.consumers, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	c.cancel()

	var errs []error
	if err := t.broker.Cancel(c.queue); err != nil {
		errs = append(errs, err)
	}

	if err := t.broker.UnbindQueue(ctx, c.queue, key, t.exchange); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Close stops every consumer, waits for in-flight deliveries, and closes the broker.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	consumers := t.consumers
	t.consumers = make(map[string]*consumer)
	t.mu.Unlock()

	if t.broker == nil {
		return nil
	}

	for _, c := range consumers {
		_ = t.broker.Cancel(c.queue)
	}

	t.wg.Wait()

	return t.broker.Close()
}

// consume runs prefetch workers over deliveries and consumes again when the channel closes
// while the consumer is still wanted.
func (t *Transport) consume(ctx context.Context, c *consumer, deliveries <-chan Delivery) {
	defer t.wg.Done()

	for {
		var workers sync.WaitGroup
		for range t.prefetch {
			workers.Add(1)

			go func() {
				defer workers.Done()

				for d := range deliveries {
					t.handle(ctx, c, d)
				}
			}()
		}

		workers.Wait()

		var ok bool
		if deliveries, ok = t.resubscribe(ctx, c); !ok {
			return
		}
	}
}

func (t *Transport) resubscribe(ctx context.Context, c *consumer) (<-chan Delivery, bool) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(t.backoff.Delay(attempt))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		deliveries, err := t.broker.Consume(ctx, c.queue, c.queue, t.prefetch)
		if err == nil {
			return deliveries, true
		}

		if ctx.Err() != nil {
			return nil, false
		}

		t.logger.Warn("rabbitmq resubscribe failed",
			slog.String("queue", c.queue), slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
}

// handle acks processed and unrouted messages. Undecodable messages are rejected without
// requeue; handler failures are requeued.
func (t *Transport) handle(ctx context.Context, c *consumer, d Delivery) {
	_, err := c.in.ProcessMessage(ctx, servicebus.InboundMessage{
		EventName: servicebus.EventNameOf(d.Headers, d.RoutingKey),
		Body:      d.Body,
		Headers:   d.Headers,
	})

	var ackErr error

	switch {
	case err == nil:
		ackErr = d.Ack()
	case errors.Is(err, berr.ErrDeserializationFailed):
		ackErr = d.Nack(false)
	default:
		ackErr = d.Nack(true)
	}

	if ackErr != nil {
		t.logger.Warn("rabbitmq acknowledgement failed",
			slog.String("queue", c.queue), slog.String("error", ackErr.Error()))
	}
}

func (t *Transport) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.broker == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, base)
	}

	return nil
}
