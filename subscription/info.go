package subscription

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Info is a single handler registration.
type Info struct {
	HandlerID string
}

// NewInfo validates id and returns the registration record for it.
func NewInfo(id string) (Info, error) {
	if id == "" {
		return Info{}, fmt.Errorf("subscription info: %w", berr.ErrInvalidHandlerID)
	}

	return Info{HandlerID: id}, nil
}

// Invoker calls a resolved handler instance with a decoded event.
type Invoker func(ctx context.Context, handler any, e cbus.Event) error

// Subscription pairs a registration record with the invoker built for its
// (event type, handler type) pair.
type Subscription struct {
	Info   Info
	Invoke Invoker
}

// InvokerFor returns an Invoker for handlers of events of type E.
func InvokerFor[E cbus.Event]() Invoker {
	return func(ctx context.Context, handler any, e cbus.Event) error {
		h, ok := handler.(cbus.IntegrationEventHandler[E])
		if !ok {
			return fmt.Errorf("invoke %T: %w", handler, berr.ErrHandlerTypeMismatch)
		}

		evt, ok := e.(E)
		if !ok {
			return fmt.Errorf("invoke %T with %T: %w", handler, e, berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, evt)
	}
}

// DynamicInvoker returns an Invoker for dynamic handlers.
func DynamicInvoker() Invoker {
	return func(ctx context.Context, handler any, e cbus.Event) error {
		h, ok := handler.(cbus.DynamicEventHandler)
		if !ok {
			return fmt.Errorf("invoke %T: %w", handler, berr.ErrHandlerTypeMismatch)
		}

		evt, ok := e.(cbus.DynamicEvent)
		if !ok {
			return fmt.Errorf("invoke %T with %T: %w", handler, e, berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, evt)
	}
}
