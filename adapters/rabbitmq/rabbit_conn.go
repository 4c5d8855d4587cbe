package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
)

// Concrete AMQP connection-backed broker with auto-reconnect.

const exchangeKind = "direct"

var errNotConnected = errors.New("rabbitmq not connected")

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// RetryCount bounds the initial connection attempts.
	RetryCount int
	Exchange   string
}

type amqpBroker struct {
	cfg     Config
	backoff retry.Backoff

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel // declarations and publishing
	consumers map[string]*amqp.Channel
	ready     chan struct{} // closed while a channel is available
	closed    chan struct{}
	closeOnce sync.Once
}

func (b *amqpBroker) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-event-bus"},
		Dial:       amqp.DefaultDial(b.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

func (b *amqpBroker) install(conn *amqp.Connection, ch *amqp.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conn = conn
	b.ch = ch
	close(b.ready)
}

// run watches the connection and re-dials with backoff when it drops.
func (b *amqpBroker) run(conn *amqp.Connection) {
	for {
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.closed:
			return
		case <-notify:
		}

		b.mu.Lock()
		b.conn, b.ch = nil, nil
		b.ready = make(chan struct{})
		b.mu.Unlock()

		for attempt := 1; ; attempt++ {
			t := time.NewTimer(b.backoff.Delay(attempt))
			select {
			case <-b.closed:
				t.Stop()
				return
			case <-t.C:
			}

			c, ch, err := b.dial()
			if err != nil {
				continue
			}

			b.install(c, ch)
			conn = c

			break
		}
	}
}

// channel returns the shared channel, waiting for a reconnect if needed.
func (b *amqpBroker) channel(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	b.mu.RLock()
	conn, ch, ready := b.conn, b.ch, b.ready
	b.mu.RUnlock()

	if ch != nil {
		return conn, ch, nil
	}

	select {
	case <-ready:
	case <-b.closed:
		return nil, nil, errNotConnected
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ch == nil {
		return nil, nil, errNotConnected
	}

	return b.conn, b.ch, nil
}

func (b *amqpBroker) Publish(ctx context.Context, exchange, routingKey string, p Publishing) error {
	_, ch, err := b.channel(ctx)
	if err != nil {
		return err
	}

	var h amqp.Table
	if len(p.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range p.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    p.MessageID,
		ContentType:  p.ContentType,
		Headers:      h,
		Body:         p.Body,
	})
}

func (b *amqpBroker) DeclareQueue(ctx context.Context, queue string) error {
	_, ch, err := b.channel(ctx)
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)

	return err
}

func (b *amqpBroker) BindQueue(ctx context.Context, queue, routingKey, exchange string) error {
	_, ch, err := b.channel(ctx)
	if err != nil {
		return err
	}

	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (b *amqpBroker) UnbindQueue(ctx context.Context, queue, routingKey, exchange string) error {
	_, ch, err := b.channel(ctx)
	if err != nil {
		return err
	}

	return ch.QueueUnbind(queue, routingKey, exchange, nil)
}

// Consume opens a dedicated channel so prefetch applies per queue.
func (b *amqpBroker) Consume(ctx context.Context, queue, tag string, prefetch int) (<-chan Delivery, error) {
	conn, _, err := b.channel(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	src, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	b.mu.Lock()
	if old, ok := b.consumers[tag]; ok {
		_ = old.Close()
	}
	b.consumers[tag] = ch
	b.mu.Unlock()

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for d := range src {
			out <- toDelivery(d)
		}
	}()

	return out, nil
}

func (b *amqpBroker) Cancel(tag string) error {
	b.mu.Lock()
	ch, ok := b.consumers[tag]
	delete(b.consumers, tag)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	err := ch.Cancel(tag, false)
	if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = errors.Join(err, cerr)
	}

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}

	return err
}

func (b *amqpBroker) Close() error {
	var err error

	b.closeOnce.Do(func() {
		close(b.closed)

		b.mu.Lock()
		defer b.mu.Unlock()

		for tag, ch := range b.consumers {
			_ = ch.Close()
			delete(b.consumers, tag)
		}

		if b.ch != nil {
			_ = b.ch.Close()
			b.ch = nil
		}

		if b.conn != nil {
			err = b.conn.Close()
			b.conn = nil
		}

		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	})

	return err
}

func toDelivery(d amqp.Delivery) Delivery {
	var headers map[string]string
	if len(d.Headers) > 0 {
		headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = fmt.Sprint(v)
		}
	}

	return Delivery{
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    headers,
		Ack:        func() error { return d.Ack(false) },
		Nack:       func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

// NewWithAMQP dials RabbitMQ with backoff, declares the exchange, and returns a Transport
// whose connection is re-established automatically.
func NewWithAMQP(ctx context.Context, cfg Config, o Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrConnectFailed)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = o.Exchange
	}

	b := &amqpBroker{
		cfg:       cfg,
		backoff:   o.Backoff,
		consumers: make(map[string]*amqp.Channel),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}

	var (
		conn *amqp.Connection
		ch   *amqp.Channel
	)

	err := b.backoff.Do(ctx, cfg.RetryCount, func(context.Context) error {
		var err error

		conn, ch, err = b.dial()

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq dial: %w", berr.ErrConnectFailed, err)
	}

	b.install(conn, ch)

	go b.run(conn)

	o.Exchange = cfg.Exchange

	return New(b, o), nil
}
