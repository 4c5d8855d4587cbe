package subscription

import (
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// EventType identifies the concrete type an inbound payload is decoded into.
type EventType struct {
	name    string
	dynamic bool
	decode  func(s cbus.Serializer, payload []byte) (cbus.Event, error)
}

// TypeOf returns the EventType for E.
func TypeOf[E cbus.Event]() EventType {
	return EventType{
		name: cbus.EventNameOf[E](),
		decode: func(s cbus.Serializer, payload []byte) (cbus.Event, error) {
			var e E
			if err := s.Deserialize(payload, &e); err != nil {
				return nil, err
			}

			return e, nil
		},
	}
}

// DynamicType returns the EventType for events subscribed by name. Decoding keeps the raw
// payload and extracts only the envelope.
func DynamicType(name string) EventType {
	return EventType{
		name:    name,
		dynamic: true,
		decode: func(s cbus.Serializer, payload []byte) (cbus.Event, error) {
			var e cbus.DynamicEvent
			if err := s.Deserialize(payload, &e); err != nil {
				return nil, err
			}

			e.Name = name
			e.Payload = append([]byte(nil), payload...)

			return e, nil
		},
	}
}

// Name returns the full event name, e.g. "OrderCreatedIntegrationEvent".
func (t EventType) Name() string { return t.name }

// Dynamic reports whether the type was registered by name.
func (t EventType) Dynamic() bool { return t.dynamic }

// IsZero reports whether t is the zero EventType.
func (t EventType) IsZero() bool { return t.decode == nil }

// Decode deserializes payload into a new event of this type.
func (t EventType) Decode(s cbus.Serializer, payload []byte) (cbus.Event, error) {
	return t.decode(s, payload)
}

func (t EventType) sameAs(o EventType) bool {
	return t.name == o.name && t.dynamic == o.dynamic
}
