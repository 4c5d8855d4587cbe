package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
	"github.com/next-trace/scg-event-bus/resolver"
	"github.com/next-trace/scg-event-bus/servicebus"
)

type published struct {
	exchange   string
	routingKey string
	p          rabbitmq.Publishing
}

type fakeBroker struct {
	mu        sync.Mutex
	calls     []published
	declared  []string
	bindings  map[string]string // queue -> routing key
	consumers map[string]chan rabbitmq.Delivery
	consumes  int
	closed    bool
	err       error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{bindings: map[string]string{}, consumers: map[string]chan rabbitmq.Delivery{}}
}

func (f *fakeBroker) Publish(_ context.Context, exchange, routingKey string, p rabbitmq.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.calls = append(f.calls, published{exchange, routingKey, p})

	return nil
}

func (f *fakeBroker) DeclareQueue(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.declared = append(f.declared, queue)

	return f.err
}

func (f *fakeBroker) BindQueue(_ context.Context, queue, routingKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bindings[queue] = routingKey

	return nil
}

func (f *fakeBroker) UnbindQueue(_ context.Context, queue, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.bindings, queue)

	return nil
}

func (f *fakeBroker) Consume(_ context.Context, queue, _ string, _ int) (<-chan rabbitmq.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan rabbitmq.Delivery)
	f.consumers[queue] = ch
	f.consumes++

	return ch, nil
}

func (f *fakeBroker) Cancel(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.consumers[tag]; ok {
		close(ch)
		delete(f.consumers, tag)
	}

	return nil
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeBroker) consumer(queue string) chan rabbitmq.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.consumers[queue]
}

// dropConnection closes the delivery channel as a lost connection would.
func (f *fakeBroker) dropConnection(queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	close(f.consumers[queue])
	delete(f.consumers, queue)
}

type ack struct {
	acked   bool
	nacked  bool
	requeue bool
}

// deliver pushes body to queue and waits for its acknowledgement.
func deliver(t *testing.T, f *fakeBroker, queue, routingKey string, body []byte) ack {
	t.Helper()

	done := make(chan ack, 1)
	d := rabbitmq.Delivery{
		RoutingKey: routingKey,
		Body:       body,
		Ack: func() error {
			done <- ack{acked: true}
			return nil
		},
		Nack: func(requeue bool) error {
			done <- ack{nacked: true, requeue: requeue}
			return nil
		},
	}

	select {
	case f.consumer(queue) <- d:
	case <-time.After(2 * time.Second):
		t.Fatalf("no consumer on %s", queue)
	}

	select {
	case a := <-done:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery on %s not acknowledged", queue)
	}

	return ack{}
}

type PaymentFailedIntegrationEvent struct {
	cbus.IntegrationEvent

	Reason string `json:"reason"`
}

type paymentHandler struct {
	mu      sync.Mutex
	reasons []string
}

func (h *paymentHandler) Handle(_ context.Context, e PaymentFailedIntegrationEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reasons = append(h.reasons, e.Reason)
	if e.Reason == "retry" {
		return errors.New("ledger unavailable")
	}

	return nil
}

func newBus(t *testing.T, f *fakeBroker, h *paymentHandler) *servicebus.Bus {
	t.Helper()

	tr := rabbitmq.New(f, rabbitmq.Options{
		Exchange:      "shop",
		SubscriberApp: "billing",
		PrefetchCount: 2,
		Backoff:       retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	})

	c := resolver.New()
	_ = resolver.RegisterHandler(c, h)

	cfg := config.Default()
	cfg.DefaultTopicName = "shop"
	cfg.SubscriberAppName = "billing"

	b, err := servicebus.New(cfg, tr, c)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func payment(reason string) []byte {
	return []byte(`{"id":"` + cbus.NewIntegrationEvent().ID.String() + `","createdAt":"2024-02-01T00:00:00Z","reason":"` + reason + `"}`)
}

func TestRabbitMQ_PublishExchangeAndRoutingKey(t *testing.T) {
	f := newFakeBroker()
	b := newBus(t, f, &paymentHandler{})

	evt := PaymentFailedIntegrationEvent{IntegrationEvent: cbus.NewIntegrationEvent(), Reason: "card"}
	if err := b.Publish(t.Context(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(f.calls) != 1 {
		t.Fatalf("want 1, got %d", len(f.calls))
	}

	c := f.calls[0]
	if c.exchange != "shop" || c.routingKey != "PaymentFailed" {
		t.Fatalf("routing: %q %q", c.exchange, c.routingKey)
	}

	if c.p.MessageID != evt.ID.String() || c.p.ContentType != "application/json" || len(c.p.Body) == 0 {
		t.Fatalf("publishing: %+v", c.p)
	}
}

func TestRabbitMQ_BindConsumeAckPolicy(t *testing.T) {
	f := newFakeBroker()
	h := &paymentHandler{}
	b := newBus(t, f, h)

	if err := servicebus.Subscribe[PaymentFailedIntegrationEvent, *paymentHandler](t.Context(), b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if len(f.declared) != 1 || f.declared[0] != "billing.PaymentFailed" || f.bindings["billing.PaymentFailed"] != "PaymentFailed" {
		t.Fatalf("declared=%v bindings=%v", f.declared, f.bindings)
	}

	if a := deliver(t, f, "billing.PaymentFailed", "PaymentFailed", payment("card")); !a.acked {
		t.Fatalf("want ack, got %+v", a)
	}

	if a := deliver(t, f, "billing.PaymentFailed", "PaymentFailed", payment("retry")); !a.nacked || !a.requeue {
		t.Fatalf("handler failure must requeue, got %+v", a)
	}

	if a := deliver(t, f, "billing.PaymentFailed", "PaymentFailed", []byte("{not json")); !a.nacked || a.requeue {
		t.Fatalf("undecodable message must be rejected, got %+v", a)
	}

	if a := deliver(t, f, "billing.PaymentFailed", "Unrelated", []byte("{}")); !a.acked {
		t.Fatalf("unrouted message must be acked, got %+v", a)
	}

	_ = servicebus.Unsubscribe[PaymentFailedIntegrationEvent, *paymentHandler](t.Context(), b)

	if _, ok := f.bindings["billing.PaymentFailed"]; ok {
		t.Fatalf("binding must be removed")
	}

	if f.consumer("billing.PaymentFailed") != nil {
		t.Fatalf("consumer must be cancelled")
	}
}

func TestRabbitMQ_ResubscribesAfterConnectionDrop(t *testing.T) {
	f := newFakeBroker()
	h := &paymentHandler{}
	b := newBus(t, f, h)

	_ = servicebus.Subscribe[PaymentFailedIntegrationEvent, *paymentHandler](t.Context(), b)

	f.dropConnection("billing.PaymentFailed")

	deadline := time.Now().Add(2 * time.Second)
	for f.consumer("billing.PaymentFailed") == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if a := deliver(t, f, "billing.PaymentFailed", "PaymentFailed", payment("card")); !a.acked {
		t.Fatalf("want ack after resubscribe, got %+v", a)
	}

	if err := b.Close(); err != nil || !f.closed {
		t.Fatalf("close: %v closed=%v", err, f.closed)
	}
}

func TestRabbitMQ_NilBrokerError(t *testing.T) {
	tr := rabbitmq.New(nil, rabbitmq.Options{})

	if err := tr.Publish(t.Context(), servicebus.Message{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if err := tr.Bind(t.Context(), "k", nil); !errors.Is(err, berr.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}
}

func TestRabbitMQ_Publish_ErrorWrapping_And_ContextCancel(t *testing.T) {
	f := newFakeBroker()
	f.err = errors.New("boom")
	tr := rabbitmq.New(f, rabbitmq.Options{Exchange: "x"})

	if err := tr.Publish(t.Context(), servicebus.Message{RoutingKey: "k"}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	f.err = context.Canceled

	err := tr.Publish(t.Context(), servicebus.Message{RoutingKey: "k"})
	if !errors.Is(err, context.Canceled) || errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestQueueName(t *testing.T) {
	if got := rabbitmq.New(nil, rabbitmq.Options{SubscriberApp: "ordering"}).QueueName("OrderPaid"); got != "ordering.OrderPaid" {
		t.Fatalf("queue=%s", got)
	}
}

func TestNewWithAMQP_EmptyURL(t *testing.T) {
	_, err := rabbitmq.NewWithAMQP(t.Context(), rabbitmq.Config{}, rabbitmq.Options{})
	if !errors.Is(err, berr.ErrConnectFailed) {
		t.Fatalf("want ErrConnectFailed, got %v", err)
	}
}
