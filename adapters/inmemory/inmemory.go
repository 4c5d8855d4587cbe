// Package inmemory provides a loopback Transport: published messages are recorded and
// delivered synchronously to the Inbound bound for their routing key.
package inmemory

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/next-trace/scg-event-bus/observability"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Transport is a thread-safe in-memory implementation of servicebus.Transport.
// It is intended for tests, examples and single-process deployments.
type Transport struct {
	mu        sync.Mutex
	bindings  map[string]servicebus.Inbound
	published []servicebus.Message
	closed    bool

	logger *slog.Logger
}

var _ servicebus.Transport = (*Transport)(nil)

// New creates a new in-memory transport. A nil logger discards dispatch failures.
func New(logger *slog.Logger) *Transport {
	return &Transport{
		bindings: make(map[string]servicebus.Inbound),
		logger:   observability.ForTransport(logger, "inmemory", ""),
	}
}

// Publish records m and, if its routing key is bound, dispatches it before returning.
// Dispatch failures are logged; they never fail the publish.
func (t *Transport) Publish(ctx context.Context, m servicebus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.published = append(t.published, cloneMessage(m))
	in := t.bindings[m.RoutingKey]
	t.mu.Unlock()

	if in == nil {
		return nil
	}

	_, err := in.ProcessMessage(ctx, servicebus.InboundMessage{
		EventName: servicebus.EventNameOf(m.Headers, m.RoutingKey),
		Body:      m.Body,
		Headers:   maps.Clone(m.Headers),
	})
	if err != nil {
		t.logger.WarnContext(ctx, "in-memory delivery failed",
			slog.String("key", m.RoutingKey), slog.String("error", err.Error()))
	}

	return nil
}

// Bind routes messages published under key to in.
func (t *Transport) Bind(_ context.Context, key string, in servicebus.Inbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bindings[key] = in

	return nil
}

// Unbind stops routing key.
func (t *Transport) Unbind(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.bindings, key)

	return nil
}

// Close drops every binding. Recorded messages stay available.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.bindings)
	t.closed = true

	return nil
}

// Published returns a copy of every message published so far.
func (t *Transport) Published() []servicebus.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]servicebus.Message, len(t.published))
	copy(out, t.published)

	return out
}

// Bound reports whether key currently has a binding.
func (t *Transport) Bound(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.bindings[key]

	return ok
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func cloneMessage(m servicebus.Message) servicebus.Message {
	m.Body = append([]byte(nil), m.Body...)
	m.Headers = maps.Clone(m.Headers)

	return m
}
