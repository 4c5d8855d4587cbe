// Package codec provides Serializer implementations for event payloads.
package codec

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

const contentTypeJSON = "application/json"

// JSON serializes events with encoding/json.
type JSON struct{}

var _ cbus.Serializer = JSON{}

func (JSON) Serialize(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Deserialize(data []byte, target any) error { return json.Unmarshal(data, target) }

func (JSON) ContentType() string { return contentTypeJSON }

// Sonic serializes events with bytedance/sonic using the encoding/json compatible config,
// so payloads are interchangeable with JSON.
type Sonic struct{}

var _ cbus.Serializer = Sonic{}

func (Sonic) Serialize(v any) ([]byte, error) { return sonic.ConfigStd.Marshal(v) }

func (Sonic) Deserialize(data []byte, target any) error {
	return sonic.ConfigStd.Unmarshal(data, target)
}

func (Sonic) ContentType() string { return contentTypeJSON }

// ByName returns the serializer registered under name ("json" or "sonic").
func ByName(name string) (cbus.Serializer, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "sonic":
		return Sonic{}, true
	default:
		return nil, false
	}
}
