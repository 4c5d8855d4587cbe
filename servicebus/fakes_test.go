package servicebus_test

import (
	"context"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/servicebus"
)

type OrderCreatedIntegrationEvent struct {
	cbus.IntegrationEvent

	OrderID string `json:"orderId"`
}

type OrderShippedIntegrationEvent struct {
	cbus.IntegrationEvent
}

// recorder captures handler invocations across handlers in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	evts  []OrderCreatedIntegrationEvent
}

func (r *recorder) add(name string, e OrderCreatedIntegrationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, name)
	r.evts = append(r.evts, e)
}

type firstHandler struct {
	rec *recorder
	err error
}

func (h *firstHandler) Handle(_ context.Context, e OrderCreatedIntegrationEvent) error {
	h.rec.add("first", e)
	return h.err
}

type secondHandler struct{ rec *recorder }

func (h *secondHandler) Handle(_ context.Context, e OrderCreatedIntegrationEvent) error {
	h.rec.add("second", e)
	return nil
}

type shippedHandler struct{}

func (shippedHandler) Handle(context.Context, OrderShippedIntegrationEvent) error { return nil }

// fakeTransport records every call made by the bus.
type fakeTransport struct {
	mu        sync.Mutex
	published []servicebus.Message
	bound     []string
	unbound   []string
	inbound   map[string]servicebus.Inbound
	closed    int
	lateBinds int

	publishErr error
	bindErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(map[string]servicebus.Inbound)}
}

func (f *fakeTransport) Publish(_ context.Context, m servicebus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, m)

	return nil
}

func (f *fakeTransport) Bind(_ context.Context, key string, in servicebus.Inbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bindErr != nil {
		return f.bindErr
	}

	if f.closed > 0 {
		f.lateBinds++
	}

	f.bound = append(f.bound, key)
	f.inbound[key] = in

	return nil
}

func (f *fakeTransport) Unbind(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unbound = append(f.unbound, key)
	delete(f.inbound, key)

	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed++

	return nil
}
