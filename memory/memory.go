package memory

import (
	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// New constructs an event bus backed by the in-memory transport, resolving handlers
// through res, and returns it along with a cleanup function that closes the bus.
func New(res cbus.HandlerResolver, opts ...servicebus.Option) (*servicebus.Bus, func(), error) {
	cfg := config.Default()
	cfg.BusType = config.InMemory

	sb, err := servicebus.New(cfg, inmemory.New(nil), res, opts...)
	if err != nil {
		return nil, func() {}, err
	}

	cleanup := func() { _ = sb.Close() }

	return sb, cleanup, nil
}
