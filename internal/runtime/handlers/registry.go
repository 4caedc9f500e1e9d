// Package handlers resolves the handlers of a message. Registrations are
// collected during startup, frozen into a Snapshot, and served by a Locator.
package handlers

import (
	"context"
	"go/token"
	"slices"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/messages"
	"github.com/drblury/courier/internal/runtime/retry"
)

// OptionFromTransport restricts a handler to messages received from the named
// transport.
const OptionFromTransport = "from_transport"

// Func processes one message.
type Func func(ctx context.Context, message any) error

// Ref identifies a handler by owning type and method.
type Ref struct {
	Owner  string
	Method string
}

func (r Ref) String() string {
	return r.Owner + "@" + r.Method
}

// Descriptor carries the static attributes of a handler.
type Descriptor struct {
	Owner    string
	Method   string
	Priority int
	// Bus restricts the handler to one bus when set.
	Bus     string
	Options map[string]any
	// Retry is the method-level retry strategy.
	Retry retry.Strategy
}

// Ref returns the identity of the handler.
func (d Descriptor) Ref() Ref {
	return Ref{Owner: d.Owner, Method: d.Method}
}

// Option returns an option value as a string.
func (d Descriptor) Option(key string) string {
	v, _ := d.Options[key].(string)
	return v
}

// Registration binds a handler to one message match key: a type name, an
// ancestor, an interface or "*".
type Registration struct {
	Message    string
	Descriptor Descriptor
	Handle     Func
}

type entry struct {
	desc   Descriptor
	handle Func
	seq    int
}

// Registry collects registrations during startup.
type Registry struct {
	mu         sync.Mutex
	frozen     atomic.Bool
	seq        int
	entries    map[string][]entry
	ownerRetry map[string]retry.Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string][]entry),
		ownerRetry: make(map[string]retry.Strategy),
	}
}

// Register adds a handler. Handler methods must be exported names.
func (r *Registry) Register(reg Registration) error {
	switch {
	case reg.Message == "":
		return errspkg.ErrMessageTypeRequired
	case reg.Handle == nil:
		return errspkg.ErrHandlerRequired
	case reg.Descriptor.Owner == "":
		return errspkg.ErrHandlerOwnerRequired
	case !token.IsExported(reg.Descriptor.Method):
		return errspkg.NewConfigurationError("handler method %s is not public", reg.Descriptor.Ref())
	}
	if r.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.entries[reg.Message] = append(r.entries[reg.Message], entry{desc: reg.Descriptor, handle: reg.Handle, seq: r.seq})
	return nil
}

// SetOwnerRetry attaches a retry strategy to every handler method of owner
// that does not declare its own.
func (r *Registry) SetOwnerRetry(owner string, strategy retry.Strategy) error {
	if owner == "" {
		return errspkg.ErrHandlerOwnerRequired
	}
	if r.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownerRetry[owner] = strategy
	return nil
}

// Freeze ends the build phase and returns a read-only snapshot. Match keys
// of every type known to types are resolved up front.
func (r *Registry) Freeze(types *messages.Registry) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)

	snap := &Snapshot{
		types:       types,
		buckets:     make(map[string][]entry, len(r.entries)),
		ownerRetry:  make(map[string]retry.Strategy, len(r.ownerRetry)),
		methodRetry: make(map[Ref]retry.Strategy),
		resolved:    make(map[string][]entry),
	}
	for key, list := range r.entries {
		sorted := slices.Clone(list)
		slices.SortStableFunc(sorted, func(a, b entry) int {
			return b.desc.Priority - a.desc.Priority
		})
		snap.buckets[key] = sorted
		for _, e := range sorted {
			if e.desc.Retry != nil {
				snap.methodRetry[e.desc.Ref()] = e.desc.Retry
			}
		}
	}
	for owner, strategy := range r.ownerRetry {
		snap.ownerRetry[owner] = strategy
	}
	for _, name := range types.Names() {
		snap.resolved[name] = snap.compute(name)
	}
	return snap
}

// Snapshot is the frozen handler table.
type Snapshot struct {
	types       *messages.Registry
	buckets     map[string][]entry
	ownerRetry  map[string]retry.Strategy
	methodRetry map[Ref]retry.Strategy
	resolved    map[string][]entry
	lazy        sync.Map
}

// candidates returns every handler reachable from name in match-key order.
// Duplicates are kept; they are removed per envelope after transport filters.
func (s *Snapshot) candidates(name string) []entry {
	if list, ok := s.resolved[name]; ok {
		return list
	}
	if cached, ok := s.lazy.Load(name); ok {
		return cached.([]entry)
	}
	list := s.compute(name)
	s.lazy.Store(name, list)
	return list
}

func (s *Snapshot) compute(name string) []entry {
	var list []entry
	for _, key := range s.types.MatchKeys(name) {
		list = append(list, s.buckets[key]...)
	}
	return list
}

// RetryStrategy returns the strategy declared on the method, falling back to
// its owner. It returns nil when neither declares one.
func (s *Snapshot) RetryStrategy(ref Ref) retry.Strategy {
	if strategy, ok := s.methodRetry[ref]; ok {
		return strategy
	}
	return s.ownerRetry[ref.Owner]
}

// Keys lists the match keys that have handlers.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
