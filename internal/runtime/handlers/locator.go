package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/retry"
)

// Interceptor wraps every handler invocation.
type Interceptor func(ref Ref, next Func) Func

// Handler is a resolved, executable handler.
type Handler struct {
	Descriptor Descriptor
	invoke     Func
}

// Ref returns the handler identity.
func (h Handler) Ref() Ref {
	return h.Descriptor.Ref()
}

// Handle invokes the handler with env bound into the request scope and a
// TargetHandlerStamp naming the handler.
func (h Handler) Handle(ctx context.Context, env *envelope.Envelope) error {
	env = env.With(envelope.TargetHandlerStamp{Handler: h.Ref().String()})
	scope := FromContext(ctx)
	scope.Envelope = env
	return h.invoke(WithContext(ctx, scope), env.Message())
}

// Locator resolves handlers for envelopes on one bus.
type Locator struct {
	snapshot     *Snapshot
	bus          string
	interceptors []Interceptor
}

// Locator returns a locator over the snapshot. Handlers bound to another bus
// are ignored when bus is set.
func (s *Snapshot) Locator(bus string, interceptors ...Interceptor) *Locator {
	return &Locator{snapshot: s, bus: bus, interceptors: interceptors}
}

// MessageType returns the wire name of the envelope's message.
func (l *Locator) MessageType(env *envelope.Envelope) string {
	return l.snapshot.types.NameOf(env.Message())
}

// Handlers returns the handlers that should run for env. Candidates are
// visited in match-key order, priority descending within a key. Handlers
// restricted to another transport are skipped, each owner@method runs at
// most once, and only the first survivor is returned unless the envelope
// allows multiple handlers.
func (l *Locator) Handlers(env *envelope.Envelope) []Handler {
	received, fromTransport := envelope.Last[envelope.ReceivedStamp](env)
	multiple := envelope.Has[envelope.AllowMultipleHandlersStamp](env)

	seen := make(map[Ref]struct{})
	var out []Handler
	for _, e := range l.snapshot.candidates(l.MessageType(env)) {
		if l.bus != "" && e.desc.Bus != "" && e.desc.Bus != l.bus {
			continue
		}
		if origin := e.desc.Option(OptionFromTransport); origin != "" && fromTransport && origin != received.TransportName {
			continue
		}
		ref := e.desc.Ref()
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, l.bind(e))
		if !multiple {
			break
		}
	}
	return out
}

// RetryStrategy resolves the retry strategy of ref.
func (l *Locator) RetryStrategy(ref Ref) retry.Strategy {
	return l.snapshot.RetryStrategy(ref)
}

func (l *Locator) bind(e entry) Handler {
	invoke := e.handle
	ref := e.desc.Ref()
	for i := len(l.interceptors) - 1; i >= 0; i-- {
		invoke = l.interceptors[i](ref, invoke)
	}
	return Handler{Descriptor: e.desc, invoke: invoke}
}

// ParseRef splits an owner@method string.
func ParseRef(s string) (Ref, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			return Ref{Owner: s[:i], Method: s[i+1:]}, i > 0 && i < len(s)-1
		}
	}
	return Ref{}, false
}

// Typed adapts a handler of concrete message type T. Both T and *T messages
// are accepted.
func Typed[T any](fn func(ctx context.Context, message T) error) Func {
	return func(ctx context.Context, message any) error {
		switch typed := message.(type) {
		case T:
			return fn(ctx, typed)
		case *T:
			if typed != nil {
				return fn(ctx, *typed)
			}
		}
		var zero T
		return errspkg.Unrecoverable(fmt.Errorf("handler expects %T, got %T", zero, message))
	}
}
