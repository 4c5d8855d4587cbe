package bus

import (
	"context"
	"reflect"
)

// IntegrationEventHandler handles integration events of type E.
// Implementations must be safe for concurrent use by multiple goroutines.
type IntegrationEventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}

// DynamicEventHandler handles events subscribed by name.
type DynamicEventHandler interface {
	Handle(ctx context.Context, e DynamicEvent) error
}

// HandlerFunc adapts a function to IntegrationEventHandler.
type HandlerFunc[E Event] func(ctx context.Context, e E) error

func (f HandlerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

// DynamicHandlerFunc adapts a function to DynamicEventHandler.
type DynamicHandlerFunc func(ctx context.Context, e DynamicEvent) error

func (f DynamicHandlerFunc) Handle(ctx context.Context, e DynamicEvent) error { return f(ctx, e) }

// HandlerIDOf returns the identifier under which handlers of type H are registered and resolved.
// It is the package-qualified Go type string, e.g. "orders.SendConfirmation".
func HandlerIDOf[H any]() string {
	return reflect.TypeFor[H]().String()
}

// HandlerResolver resolves a live handler instance by identifier.
// A false result means the handler is currently unavailable and is skipped during dispatch.
type HandlerResolver interface {
	Resolve(ctx context.Context, handlerID string) (any, bool)
}

// Serializer converts events to and from their wire representation.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, target any) error
	ContentType() string
}
