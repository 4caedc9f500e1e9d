// Package senders routes outbound envelopes to the senders configured for
// their message type and submits them to the queue backend.
package senders

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/messages"
)

// Sender submits an envelope and returns it with any stamps added on success.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

func (f SenderFunc) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return f(ctx, env)
}

// Interceptor wraps every send of the sender registered under id.
type Interceptor func(id string, next Sender) Sender

// Named pairs a sender with its id.
type Named struct {
	ID     string
	Sender Sender
}

// Registry collects senders and routes during startup.
type Registry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	senders map[string]Sender
	routes  map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]Sender),
		routes:  make(map[string][]string),
	}
}

// Add registers sender under id.
func (r *Registry) Add(id string, sender Sender) error {
	if id == "" || sender == nil {
		return errspkg.ErrSenderRequired
	}
	if r.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[id]; exists {
		return errspkg.NewConfigurationError("sender %q registered twice", id)
	}
	r.senders[id] = sender
	return nil
}

// Has reports whether a sender is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.senders[id]
	return ok
}

// Route appends sender ids to messageType. Ids already routed for the type
// are ignored so the first registration keeps its position.
func (r *Registry) Route(messageType string, ids ...string) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if r.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.routes[messageType]
	for _, id := range ids {
		if id == "" || slices.Contains(current, id) {
			continue
		}
		current = append(current, id)
	}
	r.routes[messageType] = current
	return nil
}

// RouteMap applies every route of a static map. Keys are visited in sorted
// order.
func (r *Registry) RouteMap(routes map[string][]string) error {
	keys := make([]string, 0, len(routes))
	for key := range routes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := r.Route(key, routes[key]...); err != nil {
			return err
		}
	}
	return nil
}

// Routes returns a copy of the route table.
func (r *Registry) Routes() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.routes))
	for key, ids := range r.routes {
		out[key] = slices.Clone(ids)
	}
	return out
}

// Freeze ends the build phase. Every routed id must name a registered sender.
func (r *Registry) Freeze(types *messages.Registry, interceptors ...Interceptor) (*Locator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for messageType, ids := range r.routes {
		for _, id := range ids {
			if _, ok := r.senders[id]; !ok {
				return nil, errspkg.NewConfigurationError("message type %q routes to unknown sender %q", messageType, id)
			}
		}
	}
	r.frozen.Store(true)

	wrapped := make(map[string]Sender, len(r.senders))
	for id, sender := range r.senders {
		for i := len(interceptors) - 1; i >= 0; i-- {
			sender = interceptors[i](id, sender)
		}
		wrapped[id] = sender
	}
	routes := make(map[string][]string, len(r.routes))
	for key, ids := range r.routes {
		routes[key] = slices.Clone(ids)
	}
	return &Locator{types: types, senders: wrapped, routes: routes}, nil
}

// Locator resolves the senders of an envelope.
type Locator struct {
	types   *messages.Registry
	senders map[string]Sender
	routes  map[string][]string
	cache   sync.Map
}

// Senders returns the senders for env's message type, walking its match keys
// and keeping the first occurrence of each id.
func (l *Locator) Senders(env *envelope.Envelope) []Named {
	name := l.types.NameOf(env.Message())
	if cached, ok := l.cache.Load(name); ok {
		return cached.([]Named)
	}
	var (
		out  []Named
		seen = map[string]struct{}{}
	)
	for _, key := range l.types.MatchKeys(name) {
		for _, id := range l.routes[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, Named{ID: id, Sender: l.senders[id]})
		}
	}
	l.cache.Store(name, out)
	return out
}

// Sender returns the sender registered under id.
func (l *Locator) Sender(id string) (Sender, error) {
	sender, ok := l.senders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrNoSenderForMessage, id)
	}
	return sender, nil
}
