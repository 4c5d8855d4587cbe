package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/subscription"
)

type OrderCreatedIntegrationEvent struct {
	cbus.IntegrationEvent

	OrderID string `json:"orderId"`
}

type OrderShippedIntegrationEvent struct {
	cbus.IntegrationEvent
}

func sub(id string) subscription.Subscription {
	return subscription.Subscription{
		Info:   subscription.Info{HandlerID: id},
		Invoke: subscription.InvokerFor[OrderCreatedIntegrationEvent](),
	}
}

var orderType = subscription.TypeOf[OrderCreatedIntegrationEvent]()

func TestRegistry_AddAndQuery(t *testing.T) {
	r := subscription.NewRegistry()
	if !r.IsEmpty() {
		t.Fatalf("new registry must be empty")
	}

	if err := r.Add("OrderCreated", orderType, sub("h1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	if !r.HasSubscriptions("OrderCreated") {
		t.Fatalf("expected subscriptions")
	}

	infos, err := r.HandlersFor("OrderCreated")
	if err != nil {
		t.Fatalf("handlers: %v", err)
	}

	if len(infos) != 1 || infos[0].HandlerID != "h1" {
		t.Fatalf("infos=%+v", infos)
	}

	typ, ok := r.EventTypeFor("OrderCreated")
	if !ok || typ.Name() != "OrderCreatedIntegrationEvent" {
		t.Fatalf("type=%q ok=%v", typ.Name(), ok)
	}
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r := subscription.NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Add("OrderCreated", orderType, sub(id)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	infos, _ := r.HandlersFor("OrderCreated")

	got := []string{infos[0].HandlerID, infos[1].HandlerID, infos[2].HandlerID}
	if got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("order=%v", got)
	}
}

func TestRegistry_DuplicateLeavesStateUnchanged(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("OrderCreated", orderType, sub("h1"))

	err := r.Add("OrderCreated", orderType, sub("h1"))
	if !errors.Is(err, berr.ErrDuplicateHandler) {
		t.Fatalf("want ErrDuplicateHandler, got %v", err)
	}

	infos, _ := r.HandlersFor("OrderCreated")
	if len(infos) != 1 {
		t.Fatalf("registry changed: %+v", infos)
	}

	if keys, types := r.Len(); keys != 1 || types != 1 {
		t.Fatalf("len=%d/%d", keys, types)
	}
}

func TestRegistry_ConflictingTypeRejected(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("Order", orderType, sub("h1"))

	other := subscription.Subscription{
		Info:   subscription.Info{HandlerID: "h2"},
		Invoke: subscription.InvokerFor[OrderShippedIntegrationEvent](),
	}

	err := r.Add("Order", subscription.TypeOf[OrderShippedIntegrationEvent](), other)
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}
}

func TestRegistry_EmptyHandlerIDRejected(t *testing.T) {
	r := subscription.NewRegistry()

	if err := r.Add("OrderCreated", orderType, sub("")); !errors.Is(err, berr.ErrInvalidHandlerID) {
		t.Fatalf("want ErrInvalidHandlerID, got %v", err)
	}

	if _, err := subscription.NewInfo(""); !errors.Is(err, berr.ErrInvalidHandlerID) {
		t.Fatalf("NewInfo: want ErrInvalidHandlerID, got %v", err)
	}
}

func TestRegistry_HandlersForUnknown(t *testing.T) {
	r := subscription.NewRegistry()

	if _, err := r.HandlersFor("Nope"); !errors.Is(err, berr.ErrUnknownEvent) {
		t.Fatalf("want ErrUnknownEvent, got %v", err)
	}

	if _, ok := r.EventTypeFor("Nope"); ok {
		t.Fatalf("unexpected type")
	}
}

func TestRegistry_RemoveLastFiresOnce(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("OrderCreated", orderType, sub("h1"))
	_ = r.Add("OrderCreated", orderType, sub("h2"))

	var removed []string

	r.OnEventRemoved(func(key string) { removed = append(removed, key) })

	if !r.Remove("OrderCreated", "h1") {
		t.Fatalf("expected removal")
	}

	if len(removed) != 0 {
		t.Fatalf("notified too early: %v", removed)
	}

	if !r.Remove("OrderCreated", "h2") {
		t.Fatalf("expected removal")
	}

	if len(removed) != 1 || removed[0] != "OrderCreated" {
		t.Fatalf("removed=%v", removed)
	}

	if r.HasSubscriptions("OrderCreated") {
		t.Fatalf("key must be purged")
	}

	if _, ok := r.EventTypeFor("OrderCreated"); ok {
		t.Fatalf("event type must be purged")
	}

	// removing again is a no-op and does not notify
	if r.Remove("OrderCreated", "h2") {
		t.Fatalf("expected no-op")
	}

	if len(removed) != 1 {
		t.Fatalf("removed=%v", removed)
	}
}

func TestRegistry_RemoveUnknownHandlerIsNoop(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("OrderCreated", orderType, sub("h1"))

	if r.Remove("OrderCreated", "other") || r.Remove("Missing", "h1") {
		t.Fatalf("expected no-op")
	}

	if !r.HasSubscriptions("OrderCreated") {
		t.Fatalf("registration lost")
	}
}

func TestRegistry_ObserverMayReenter(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("A", orderType, sub("h1"))

	var sawEmpty bool

	r.OnEventRemoved(func(key string) { sawEmpty = r.IsEmpty() })
	r.Remove("A", "h1")

	if !sawEmpty {
		t.Fatalf("observer should see the purged registry")
	}
}

func TestRegistry_ObserverCancel(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("A", orderType, sub("h1"))

	calls := 0
	cancel := r.OnEventRemoved(func(string) { calls++ })
	cancel()

	r.Remove("A", "h1")

	if calls != 0 {
		t.Fatalf("cancelled observer called %d times", calls)
	}
}

func TestRegistry_ClearDoesNotNotify(t *testing.T) {
	r := subscription.NewRegistry()
	for _, k := range []string{"A", "B", "C"} {
		_ = r.Add(k, orderType, sub("h"))
	}

	calls := 0
	r.OnEventRemoved(func(string) { calls++ })

	r.Clear()

	if !r.IsEmpty() {
		t.Fatalf("expected empty")
	}

	if keys, types := r.Len(); keys != 0 || types != 0 {
		t.Fatalf("len=%d/%d", keys, types)
	}

	if calls != 0 {
		t.Fatalf("clear notified %d times", calls)
	}
}

func TestRegistry_KeysSorted(t *testing.T) {
	r := subscription.NewRegistry()
	for _, k := range []string{"B", "A", "C"} {
		_ = r.Add(k, orderType, sub("h"))
	}

	keys := r.Keys()
	if len(keys) != 3 || keys[0] != "A" || keys[2] != "C" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := subscription.NewRegistry()
	_ = r.Add("A", orderType, sub("h1"))

	snap, ok := r.Snapshot("A")
	if !ok || len(snap.Subscriptions) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}

	_ = r.Add("A", orderType, sub("h2"))

	if len(snap.Subscriptions) != 1 {
		t.Fatalf("snapshot mutated: %+v", snap.Subscriptions)
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := subscription.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_ = r.Add("A", orderType, sub("h"))
		}()

		go func() {
			defer wg.Done()

			r.Remove("A", "h")
			_ = r.HasSubscriptions("A")
		}()
	}

	wg.Wait()

	// invariant: a present key always has at least one handler
	if r.HasSubscriptions("A") {
		if infos, err := r.HandlersFor("A"); err != nil || len(infos) == 0 {
			t.Fatalf("present key without handlers: %v %v", infos, err)
		}
	}
}

type recordingHandler struct{ got []OrderCreatedIntegrationEvent }

func (h *recordingHandler) Handle(_ context.Context, e OrderCreatedIntegrationEvent) error {
	h.got = append(h.got, e)
	return nil
}

func TestEventTypeAndInvoker(t *testing.T) {
	src := OrderCreatedIntegrationEvent{IntegrationEvent: cbus.NewIntegrationEvent(), OrderID: "o-9"}
	body, _ := codec.JSON{}.Serialize(src)

	evt, err := orderType.Decode(codec.JSON{}, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	h := &recordingHandler{}
	if err := subscription.InvokerFor[OrderCreatedIntegrationEvent]()(t.Context(), h, evt); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if len(h.got) != 1 || h.got[0].ID != src.ID || h.got[0].OrderID != "o-9" {
		t.Fatalf("got=%+v", h.got)
	}

	err = subscription.InvokerFor[OrderCreatedIntegrationEvent]()(t.Context(), struct{}{}, evt)
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}
}

func TestDynamicType(t *testing.T) {
	src := OrderCreatedIntegrationEvent{IntegrationEvent: cbus.NewIntegrationEvent(), OrderID: "o-1"}
	body, _ := codec.JSON{}.Serialize(src)

	typ := subscription.DynamicType("OrderCreatedIntegrationEvent")
	if !typ.Dynamic() {
		t.Fatalf("expected dynamic type")
	}

	evt, err := typ.Decode(codec.JSON{}, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	d := evt.(cbus.DynamicEvent)
	if d.ID != src.ID || d.Name != "OrderCreatedIntegrationEvent" || string(d.Payload) != string(body) {
		t.Fatalf("dynamic=%+v", d)
	}

	var seen string

	h := cbus.DynamicHandlerFunc(func(_ context.Context, e cbus.DynamicEvent) error {
		seen = e.Name
		return nil
	})
	if err := subscription.DynamicInvoker()(t.Context(), h, evt); err != nil || seen == "" {
		t.Fatalf("invoke: %v seen=%q", err, seen)
	}

	if _, err := typ.Decode(codec.JSON{}, []byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
