package servicebus

import (
	"context"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/subscription"
)

// Subscribe registers handler type H for events of type E. The handler instance is looked up
// by HandlerIDOf[H] through the bus resolver at dispatch time.
// Registering the same H for E twice fails with ErrDuplicateHandler.
func Subscribe[E cbus.Event, H cbus.IntegrationEventHandler[E]](ctx context.Context, b *Bus) error {
	return SubscribeAs[E](ctx, b, cbus.HandlerIDOf[H]())
}

// SubscribeAs registers the handler bound to handlerID in the resolver for events of type E.
func SubscribeAs[E cbus.Event](ctx context.Context, b *Bus, handlerID string) error {
	return b.subscribe(ctx, cbus.EventNameOf[E](), subscription.TypeOf[E](), subscription.Subscription{
		Info:   subscription.Info{HandlerID: handlerID},
		Invoke: subscription.InvokerFor[E](),
	})
}

// Unsubscribe removes the registration of H for E. It is a no-op when none exists.
func Unsubscribe[E cbus.Event, H cbus.IntegrationEventHandler[E]](ctx context.Context, b *Bus) error {
	return b.unsubscribe(ctx, cbus.EventNameOf[E](), cbus.HandlerIDOf[H]())
}

// UnsubscribeAs removes the registration of handlerID for E.
func UnsubscribeAs[E cbus.Event](ctx context.Context, b *Bus, handlerID string) error {
	return b.unsubscribe(ctx, cbus.EventNameOf[E](), handlerID)
}

// SubscribeDynamic registers a bus.DynamicEventHandler, resolved by handlerID, for events
// named eventName. Handlers receive the envelope and the raw payload.
func SubscribeDynamic(ctx context.Context, b *Bus, eventName, handlerID string) error {
	return b.subscribe(ctx, eventName, subscription.DynamicType(eventName), subscription.Subscription{
		Info:   subscription.Info{HandlerID: handlerID},
		Invoke: subscription.DynamicInvoker(),
	})
}

// UnsubscribeDynamic removes a dynamic registration.
func UnsubscribeDynamic(ctx context.Context, b *Bus, eventName, handlerID string) error {
	return b.unsubscribe(ctx, eventName, handlerID)
}
