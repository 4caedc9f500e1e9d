// Package middleware composes the bus: detection stages on the producer path
// and retry, send and handle stages on the consume path.
package middleware

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
)

// HandlerFunc processes an envelope and returns it with any stamps added along
// the way.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Priorities for custom middlewares. Higher runs further out.
const (
	PriorityLow     = 1
	PriorityDefault = 10
	PriorityHigh    = 100
)

// Chain wraps final in mws. The first middleware is the outermost.
func Chain(final HandlerFunc, mws ...Middleware) HandlerFunc {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}

// Terminal ends a chain, returning the envelope unchanged.
func Terminal(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return env, nil
}

// Registration names a custom middleware and its priority.
type Registration struct {
	Name       string
	Priority   int
	Middleware Middleware
}

// Stack collects custom middlewares.
type Stack struct {
	mu   sync.Mutex
	regs []Registration
}

// Add appends reg. A zero priority is treated as PriorityDefault.
func (s *Stack) Add(reg Registration) error {
	if reg.Middleware == nil {
		return errors.New("middleware registration requires a Middleware")
	}
	if reg.Priority == 0 {
		reg.Priority = PriorityDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, reg)
	return nil
}

// Registrations returns the middlewares sorted by priority descending, ties in
// registration order.
func (s *Stack) Registrations() []Registration {
	s.mu.Lock()
	regs := slices.Clone(s.regs)
	s.mu.Unlock()
	slices.SortStableFunc(regs, func(a, b Registration) int {
		return b.Priority - a.Priority
	})
	return regs
}

// Middlewares returns the sorted middlewares.
func (s *Stack) Middlewares() []Middleware {
	regs := s.Registrations()
	out := make([]Middleware, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.Middleware)
	}
	return out
}
