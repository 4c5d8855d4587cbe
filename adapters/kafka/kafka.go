// Package kafka provides a Kafka transport for the event bus.
//
// Each event key maps to the topic "<topic>.<key>". All topics bound by one bus are consumed
// by a single consumer group named after the subscriber application. Offsets are committed
// manually, only for records whose dispatch succeeded. A failed record holds back the rest of
// its partition for the current poll only; the client does not refetch it, so a later poll on
// the same partition commits past it. The failed record is redelivered only after a restart or
// rebalance resumes the group from the last committed offset, if nothing newer was committed.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Record is one Kafka record as seen by the transport.
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Headers     map[string]string
}

// ErrClientClosed is returned by Client.Poll once the client is closed.
var ErrClientClosed = errors.New("kafka client closed")

// Client is a minimal Kafka-like interface. The franz-go backed implementation is built by
// NewWithKgo; tests and other libraries can provide their own.
type Client interface {
	Produce(ctx context.Context, r Record) error
	AddConsumeTopics(topics ...string)
	RemoveConsumeTopics(topics ...string)
	// Poll blocks until records are available, ctx is done, or the client is closed.
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, records ...Record) error
	Close()
}

// Options configures a Transport.
type Options struct {
	// Topic prefixes every per-key topic.
	Topic  string
	Logger *slog.Logger
}

// Transport implements servicebus.Transport using an injected Client.
type Transport struct {
	client Client
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]binding // kafka topic -> binding

	startOnce sync.Once
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type binding struct {
	key string
	in  servicebus.Inbound
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates a Kafka transport over c.
func New(c Client, o Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		client: c,
		topic:  o.Topic,
		logger: observability.ForTransport(o.Logger, "kafka", o.Topic),
		topics: make(map[string]binding),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// TopicFor returns the Kafka topic events with key are written to.
func (t *Transport) TopicFor(key string) string {
	if t.topic == "" {
		return key
	}

	return t.topic + "." + key
}

func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.client == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}

	if m.ContentType != "" {
		headers["content-type"] = m.ContentType
	}

	rec := Record{
		Topic:   t.TopicFor(m.RoutingKey),
		Key:     []byte(m.MessageID),
		Value:   m.Body,
		Headers: headers,
	}

	if err := t.client.Produce(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish write %s: %w", rec.Topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// Bind adds the topic of key to the consumer group and starts the poll loop on first use.
func (t *Transport) Bind(ctx context.Context, key string, in servicebus.Inbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.client == nil {
		return fmt.Errorf("kafka bind: %w", berr.ErrSubscribeFailed)
	}

	topic := t.TopicFor(key)

	t.mu.Lock()
	t.topics[topic] = binding{key: key, in: in}
	t.mu.Unlock()

	t.client.AddConsumeTopics(topic)
	t.startOnce.Do(func() {
		t.started.Store(true)

		go t.run()
	})

	return nil
}

// Unbind stops consuming the topic of key.
func (t *Transport) Unbind(_ context.Context, key string) error {
	topic := t.TopicFor(key)

	t.mu.Lock()
	_, ok := t.topics[topic]
	delete(t.topics, topic)
	t.mu.Unlock()

	if ok && t.client != nil {
		t.client.RemoveConsumeTopics(topic)
	}

	return nil
}

// Close stops the poll loop and closes the client.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		if t.client != nil {
			t.client.Close()
		}

		if t.started.Load() {
			<-t.done
		}
	})

	return nil
}

func (t *Transport) run() {
	defer close(t.done)

	for {
		records, err := t.client.Poll(t.ctx)
		if t.ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
			return
		}

		if err != nil {
			t.logger.Warn("kafka poll failed", slog.String("error", err.Error()))
		}

		t.handle(records)
	}
}

// handle dispatches a polled batch. After a failure on a partition, the rest of that
// partition's records in this batch are neither dispatched nor committed. Later batches are
// not held back.
func (t *Transport) handle(records []Record) {
	failed := make(map[string]map[int32]bool)

	var commit []Record

	for _, r := range records {
		if failed[r.Topic][r.Partition] {
			continue
		}

		t.mu.RLock()
		b, ok := t.topics[r.Topic]
		t.mu.RUnlock()

		if ok {
			_, err := b.in.ProcessMessage(t.ctx, servicebus.InboundMessage{
				EventName: servicebus.EventNameOf(r.Headers, b.key),
				Body:      r.Value,
				Headers:   r.Headers,
			})
			if err != nil {
				t.logger.Warn("kafka dispatch failed, offset not committed",
					slog.String("kafka_topic", r.Topic),
					slog.Int("partition", int(r.Partition)),
					slog.Int64("offset", r.Offset),
					slog.String("error", err.Error()),
				)

				if failed[r.Topic] == nil {
					failed[r.Topic] = make(map[int32]bool)
				}

				failed[r.Topic][r.Partition] = true

				continue
			}
		}

		commit = append(commit, r)
	}

	if len(commit) == 0 {
		return
	}

	if err := t.client.Commit(t.ctx, commit...); err != nil && t.ctx.Err() == nil {
		t.logger.Warn("kafka commit failed", slog.String("error", err.Error()))
	}
}
