package bus

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every integration event. Concrete events embed IntegrationEvent,
// which provides Envelope.
type Event interface {
	Envelope() IntegrationEvent
}

// IntegrationEvent is the envelope shared by all integration events: a globally unique ID and
// the creation timestamp. Both are assigned once and never change afterwards.
type IntegrationEvent struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewIntegrationEvent creates an envelope for a freshly raised event.
func NewIntegrationEvent() IntegrationEvent {
	return IntegrationEvent{ID: uuid.New(), CreatedAt: time.Now().UTC()}
}

// RestoreIntegrationEvent reconstructs an envelope received from another service,
// preserving its original identity and timestamp.
func RestoreIntegrationEvent(id uuid.UUID, createdAt time.Time) IntegrationEvent {
	return IntegrationEvent{ID: id, CreatedAt: createdAt}
}

// Envelope returns the envelope by value so callers cannot mutate the original.
func (e IntegrationEvent) Envelope() IntegrationEvent { return e }

// DynamicEvent is delivered to dynamic handlers, which subscribe by event name rather than
// by Go type. Payload holds the raw message body.
type DynamicEvent struct {
	IntegrationEvent

	Name    string `json:"-"`
	Payload []byte `json:"-"`
}

// EventNameOf returns the logical event name of E: its Go type name without package path
// and with pointers dereferenced.
func EventNameOf[E Event]() string {
	return typeName(reflect.TypeFor[E]())
}

// EventName returns the logical event name of e. DynamicEvent reports its carried name.
func EventName(e Event) string {
	if d, ok := e.(DynamicEvent); ok {
		return d.Name
	}

	if d, ok := e.(*DynamicEvent); ok && d != nil {
		return d.Name
	}

	return typeName(reflect.TypeOf(e))
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}
