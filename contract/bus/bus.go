package bus

import "context"

// EventBus is the transport-agnostic surface every backend exposes.
//
// Typed registration is available through the generic helpers in the servicebus package
// (Subscribe, Unsubscribe), because Go methods cannot carry type parameters.
type EventBus interface {
	// Publish serializes e and sends it under its normalized event name.
	Publish(ctx context.Context, e Event) error
	// PublishRaw sends an already serialized body under eventName.
	PublishRaw(ctx context.Context, eventName string, body []byte) error

	// ProcessEvent routes one inbound message to the handlers registered for its name.
	// It reports false when nobody is subscribed.
	ProcessEvent(ctx context.Context, eventName string, payload []byte) (bool, error)

	// Close clears all subscriptions and releases the transport. It is idempotent.
	Close() error
}
