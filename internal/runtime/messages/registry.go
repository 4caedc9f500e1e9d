// Package messages keeps the table of known message types: their wire names,
// their ancestry and capabilities, default serializer and pipeline, and the
// factories used to decode them.
package messages

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Wildcard matches every message type.
const Wildcard = "*"

// Type describes one message type.
type Type struct {
	// Name is the wire name written to the "type" header.
	Name string
	// Parents lists ancestor type names, nearest first.
	Parents []string
	// Interfaces lists implemented capability names in declaration order.
	Interfaces []string
	// Serializer is the default body format for this type.
	Serializer string
	// Pipeline is the default pipeline for this type.
	Pipeline string
	// New returns a pointer the body can be decoded into.
	New func() any
}

// Named is implemented by messages that report their own wire name.
type Named interface {
	MessageType() string
}

// Registry is built during startup and frozen before serving. After Freeze it
// is safe for concurrent readers.
type Registry struct {
	mu       sync.RWMutex
	frozen   atomic.Bool
	types    map[string]Type
	byGoType map[reflect.Type]string
	keys     map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]Type),
		byGoType: make(map[reflect.Type]string),
		keys:     make(map[string][]string),
	}
}

// Register adds message type T. Both T and *T resolve to t.Name afterwards.
func Register[T any](r *Registry, t Type) error {
	if t.New == nil {
		t.New = func() any { return new(T) }
	}
	goType := reflect.TypeOf((*T)(nil)).Elem()
	return r.register(t, goType, reflect.PointerTo(goType))
}

// RegisterType adds a type without binding it to a Go type; messages are then
// matched by their MessageType method.
func (r *Registry) RegisterType(t Type) error {
	return r.register(t)
}

func (r *Registry) register(t Type, goTypes ...reflect.Type) error {
	if t.Name == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if t.Name == Wildcard {
		return errspkg.NewConfigurationError("message type name %q is reserved", Wildcard)
	}
	if r.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return errspkg.NewConfigurationError("message type %q registered twice", t.Name)
	}
	r.types[t.Name] = t
	for _, goType := range goTypes {
		r.byGoType[goType] = t.Name
	}
	return nil
}

// Freeze precomputes the match keys of every known type and rejects further
// registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.types {
		r.keys[name] = r.closure(name)
	}
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns every registered type name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// NameOf returns the wire name of msg: the registered name of its Go type,
// then its MessageType method, then its Go type name.
func (r *Registry) NameOf(msg any) string {
	if msg == nil {
		return ""
	}
	r.mu.RLock()
	name, ok := r.byGoType[reflect.TypeOf(msg)]
	r.mu.RUnlock()
	if ok {
		return name
	}
	if named, ok := msg.(Named); ok {
		return named.MessageType()
	}
	return goTypeName(msg)
}

// TypeOf returns the registered type of msg, if any.
func (r *Registry) TypeOf(msg any) (Type, bool) {
	return r.Lookup(r.NameOf(msg))
}

// MatchKeys returns the handler lookup keys for name: the type itself, its
// ancestors nearest first, its interfaces in declaration order, then the
// wildcard. Unknown types resolve to the type name and the wildcard.
func (r *Registry) MatchKeys(name string) []string {
	r.mu.RLock()
	keys, ok := r.keys[name]
	if !ok {
		keys = r.closure(name)
	}
	r.mu.RUnlock()
	return keys
}

func (r *Registry) closure(name string) []string {
	seen := map[string]struct{}{}
	keys := make([]string, 0, 4)
	add := func(key string) {
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	add(name)
	if t, ok := r.types[name]; ok {
		for _, parent := range t.Parents {
			add(parent)
		}
		for _, iface := range t.Interfaces {
			add(iface)
		}
	}
	add(Wildcard)
	return keys
}

func goTypeName(msg any) string {
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return fmt.Sprintf("%s.%s", t.PkgPath(), t.Name())
}
