package subscription

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Registry is an in-memory, concurrency-safe map from event key to handler registrations.
//
// A key is present iff it has at least one registration. Removing the last registration
// of a key purges it and notifies every removal observer exactly once before Remove returns.
type Registry struct {
	mu sync.RWMutex

	handlers map[string][]Subscription
	types    map[string]EventType

	obsMu     sync.Mutex
	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(key string)
}

// Snapshot is a point-in-time copy of the registrations for one key.
type Snapshot struct {
	Key           string
	Type          EventType
	Subscriptions []Subscription
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Subscription),
		types:    make(map[string]EventType),
	}
}

// Add registers sub for key. The event type is recorded the first time key is seen;
// later registrations must use the same type.
func (r *Registry) Add(key string, typ EventType, sub Subscription) error {
	if sub.Info.HandlerID == "" {
		return fmt.Errorf("subscribe %s: %w", key, berr.ErrInvalidHandlerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[key]
	for _, s := range subs {
		if s.Info.HandlerID == sub.Info.HandlerID {
			return fmt.Errorf("subscribe %s %s: %w", key, sub.Info.HandlerID, berr.ErrDuplicateHandler)
		}
	}

	if existing, ok := r.types[key]; ok && !existing.sameAs(typ) {
		return fmt.Errorf(
			"subscribe %s %s: key bound to %s: %w",
			key, typ.Name(), existing.Name(), berr.ErrHandlerTypeMismatch,
		)
	}

	if _, ok := r.types[key]; !ok {
		r.types[key] = typ
	}

	r.handlers[key] = append(subs, sub)

	return nil
}

// Remove unregisters handlerID from key and reports whether anything was removed.
func (r *Registry) Remove(key, handlerID string) bool {
	r.mu.Lock()

	subs, ok := r.handlers[key]
	if !ok {
		r.mu.Unlock()
		return false
	}

	idx := slices.IndexFunc(subs, func(s Subscription) bool { return s.Info.HandlerID == handlerID })
	if idx < 0 {
		r.mu.Unlock()
		return false
	}

	subs = slices.Delete(slices.Clone(subs), idx, idx+1)

	purged := len(subs) == 0
	if purged {
		delete(r.handlers, key)
		delete(r.types, key)
	} else {
		r.handlers[key] = subs
	}

	r.mu.Unlock()

	if purged {
		r.notifyRemoved(key)
	}

	return true
}

// HasSubscriptions reports whether key has at least one registration.
func (r *Registry) HasSubscriptions(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[key]

	return ok
}

// HandlersFor returns the registrations for key in insertion order.
// It fails with ErrUnknownEvent when key has none.
func (r *Registry) HandlersFor(key string) ([]Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("handlers for %s: %w", key, berr.ErrUnknownEvent)
	}

	out := make([]Info, len(subs))
	for i, s := range subs {
		out[i] = s.Info
	}

	return out, nil
}

// EventTypeFor returns the event type recorded for key.
func (r *Registry) EventTypeFor(key string) (EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[key]

	return t, ok
}

// Snapshot copies the registrations and event type of key.
func (r *Registry) Snapshot(key string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.handlers[key]
	if !ok {
		return Snapshot{}, false
	}

	return Snapshot{
		Key:           key,
		Type:          r.types[key],
		Subscriptions: slices.Clone(subs),
	}, true
}

// Keys returns the registered keys in lexical order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Len returns the number of registered keys and the number of event types recorded.
func (r *Registry) Len() (keys, types int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers), len(r.types)
}

// IsEmpty reports whether no key is registered.
func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers) == 0
}

// Clear drops every registration. Removal observers are not notified.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.handlers)
	clear(r.types)
}

// OnEventRemoved registers fn to be called with a key whenever its last handler is removed.
// fn runs synchronously on the goroutine calling Remove. The returned func unregisters fn.
func (r *Registry) OnEventRemoved(fn func(key string)) (cancel func()) {
	r.obsMu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, observer{id: id, fn: fn})
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()

		r.observers = slices.DeleteFunc(r.observers, func(o observer) bool { return o.id == id })
	}
}

func (r *Registry) notifyRemoved(key string) {
	r.obsMu.Lock()
	obs := slices.Clone(r.observers)
	r.obsMu.Unlock()

	for _, o := range obs {
		o.fn(key)
	}
}
