package servicebus

import "context"

// Header names set on every outbound message.
const (
	HeaderEventName = "x-event-name"
	HeaderMessageID = "x-message-id"
)

// Message is one outbound event as handed to a Transport.
type Message struct {
	// Topic is the configured default topic (exchange, topic, or subject root).
	Topic string
	// EventName is the full event name, e.g. "OrderCreatedIntegrationEvent".
	EventName string
	// RoutingKey is the normalized event key, e.g. "OrderCreated".
	RoutingKey  string
	MessageID   string
	ContentType string
	Body        []byte
	Headers     map[string]string
}

// InboundMessage is one message received by a Transport.
type InboundMessage struct {
	EventName string
	Body      []byte
	Headers   map[string]string
}

// Inbound receives messages from a Transport. *Bus implements it.
type Inbound interface {
	ProcessMessage(ctx context.Context, m InboundMessage) (bool, error)
}

// Transport is implemented by each broker backend.
//
// Bind is called when the first handler for an event key is registered and Unbind when the
// last one is removed. Consumers started by Bind must not be tied to the context passed to
// Bind; that context only bounds the setup work.
type Transport interface {
	Publish(ctx context.Context, m Message) error
	Bind(ctx context.Context, key string, in Inbound) error
	Unbind(ctx context.Context, key string) error
	Close() error
}

// EventNameOf returns the event name carried by m, falling back to fallback
// (usually the routing key or subject the message arrived on).
func EventNameOf(headers map[string]string, fallback string) string {
	if v := headers[HeaderEventName]; v != "" {
		return v
	}

	return fallback
}
