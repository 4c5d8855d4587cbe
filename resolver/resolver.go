// Package resolver provides an explicit handler container that satisfies bus.HandlerResolver.
package resolver

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Factory builds a handler instance per resolution. Returning false marks the handler as
// unavailable for this dispatch (it is skipped).
type Factory func(ctx context.Context) (any, bool)

// Container maps handler IDs to singleton instances or factories.
// It is safe for concurrent use.
type Container struct {
	mu        sync.RWMutex
	instances map[string]any
	factories map[string]Factory
}

var _ cbus.HandlerResolver = (*Container)(nil)

// New returns an empty Container.
func New() *Container {
	return &Container{
		instances: make(map[string]any),
		factories: make(map[string]Factory),
	}
}

// Register binds a singleton instance to id, replacing any previous binding.
func (c *Container) Register(id string, handler any) error {
	if id == "" {
		return fmt.Errorf("register handler: %w", berr.ErrInvalidHandlerID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.factories, id)
	c.instances[id] = handler

	return nil
}

// RegisterFactory binds a factory to id, replacing any previous binding.
func (c *Container) RegisterFactory(id string, f Factory) error {
	if id == "" {
		return fmt.Errorf("register factory: %w", berr.ErrInvalidHandlerID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.instances, id)
	c.factories[id] = f

	return nil
}

// Unregister removes any binding for id.
func (c *Container) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.instances, id)
	delete(c.factories, id)
}

// Resolve implements bus.HandlerResolver.
func (c *Container) Resolve(ctx context.Context, id string) (any, bool) {
	c.mu.RLock()
	inst, ok := c.instances[id]
	f, hasFactory := c.factories[id]
	c.mu.RUnlock()

	if ok {
		return inst, inst != nil
	}

	if hasFactory {
		return f(ctx)
	}

	return nil, false
}

// RegisterHandler binds h under the ID derived from its type H, the same ID Subscribe uses.
func RegisterHandler[H any](c *Container, h H) error {
	return c.Register(cbus.HandlerIDOf[H](), h)
}

// RegisterHandlerFactory binds a typed factory under the ID derived from H.
func RegisterHandlerFactory[H any](c *Container, f func(ctx context.Context) (H, bool)) error {
	return c.RegisterFactory(cbus.HandlerIDOf[H](), func(ctx context.Context) (any, bool) {
		return f(ctx)
	})
}

// Func adapts a function to bus.HandlerResolver.
type Func func(ctx context.Context, id string) (any, bool)

func (f Func) Resolve(ctx context.Context, id string) (any, bool) { return f(ctx, id) }
