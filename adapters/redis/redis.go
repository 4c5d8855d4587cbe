// Package redis provides a Redis pub/sub transport for the event bus.
//
// Each event key maps to the channel "<topic>.<key>". Pub/sub delivery is at most once:
// messages published while no subscriber is connected are lost, and handler failures
// are logged because there is nothing to redeliver.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// envelope is the channel payload. Pub/sub has no message metadata of its own.
type envelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

type Options struct {
	Topic  string
	Logger *slog.Logger
	// OwnClient makes Close also close the client.
	OwnClient bool
}

// Transport implements servicebus.Transport over Redis pub/sub.
type Transport struct {
	client redis.UniversalClient
	topic  string
	own    bool
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates a transport publishing and subscribing through client.
func New(client redis.UniversalClient, o Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		client: client,
		topic:  o.Topic,
		own:    o.OwnClient,
		logger: observability.ForTransport(o.Logger, "redis", o.Topic),
		subs:   make(map[string]*redis.PubSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Channel returns the pub/sub channel carrying key.
func (t *Transport) Channel(key string) string {
	if t.topic == "" {
		return key
	}

	return t.topic + "." + key
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if t.client == nil {
		return fmt.Errorf("redis publish: %w", berr.ErrPublishFailed)
	}

	payload, err := json.Marshal(envelope{Headers: m.Headers, Body: m.Body})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	if err := t.client.Publish(ctx, t.Channel(m.RoutingKey), payload).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("redis publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Bind subscribes to the channel of key and waits for the server to confirm.
func (t *Transport) Bind(ctx context.Context, key string, in servicebus.Inbound) error {
	if t.client == nil {
		return fmt.Errorf("redis bind: %w", berr.ErrSubscribeFailed)
	}

	ch := t.Channel(key)
	ps := t.client.Subscribe(t.ctx, ch)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", ch, err)
	}

	t.mu.Lock()
	if old, ok := t.subs[key]; ok {
		_ = old.Close()
	}
	t.subs[key] = ps
	t.mu.Unlock()

	t.wg.Add(1)

	go t.consume(key, ps, in)

	return nil
}

func (t *Transport) Unbind(_ context.Context, key string) error {
	t.mu.Lock()
	ps, ok := t.subs[key]
	delete(t.subs, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	return ps.Close()
}

// Close unsubscribes every channel and waits for in-flight deliveries.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*redis.PubSub)
	t.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		errs = append(errs, ps.Close())
	}

	t.wg.Wait()

	if t.own && t.client != nil {
		errs = append(errs, t.client.Close())
	}

	return errors.Join(errs...)
}

func (t *Transport) consume(key string, ps *redis.PubSub, in servicebus.Inbound) {
	defer t.wg.Done()

	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.logger.Warn("redis payload rejected",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()))

			continue
		}

		_, err := in.ProcessMessage(t.ctx, servicebus.InboundMessage{
			EventName: servicebus.EventNameOf(env.Headers, key),
			Body:      env.Body,
			Headers:   env.Headers,
		})
		if err != nil {
			t.logger.Warn("redis delivery failed",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()))
		}
	}
}
