// Package retry decides whether a failed message is retried and how long the
// requeued task waits before it becomes visible again.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Strategy computes retry eligibility and backoff for a failed envelope.
type Strategy interface {
	IsRetryable(env *envelope.Envelope, err error) bool
	WaitingTime(env *envelope.Envelope, err error) time.Duration
}

// MultiplierStrategy retries up to MaxRetries times. The n-th retry (n counted
// from zero) waits Delay * Multiplier^n, capped at MaxDelay when it is set.
type MultiplierStrategy struct {
	MaxRetries int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter randomises the delay by up to +/- Jitter of its value.
	Jitter float64
}

// NewMultiplierStrategy returns a strategy with the given attempt budget.
func NewMultiplierStrategy(maxRetries int, delay time.Duration, multiplier float64) MultiplierStrategy {
	return MultiplierStrategy{MaxRetries: maxRetries, Delay: delay, Multiplier: multiplier}
}

// IsRetryable reports whether another attempt is allowed. Recoverable errors
// are always retried.
func (s MultiplierStrategy) IsRetryable(env *envelope.Envelope, err error) bool {
	if errspkg.IsRecoverable(err) {
		return true
	}
	return envelope.RetryCount(env) < s.MaxRetries
}

// WaitingTime returns the delay before the next attempt. An explicit delay on
// a recoverable error takes precedence.
func (s MultiplierStrategy) WaitingTime(env *envelope.Envelope, err error) time.Duration {
	if delay, ok := errspkg.RetryDelayOf(err); ok {
		return delay
	}
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	retries := envelope.RetryCount(env)
	delay := float64(s.Delay) * math.Pow(multiplier, float64(retries))
	if s.Jitter > 0 {
		spread := math.Min(s.Jitter, 1)
		delay += delay * spread * (rand.Float64()*2 - 1)
	}
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Policy is the declarative form of a retry strategy attached to a handler
// method or its owner.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
}

// DefaultPolicy allows three attempts one second apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: time.Second, Multiplier: 1}
}

// Strategy converts the policy into a MultiplierStrategy, filling unset fields
// from DefaultPolicy.
func (p Policy) Strategy() Strategy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = def.Delay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	return NewMultiplierStrategy(p.MaxAttempts, p.Delay, p.Multiplier)
}

// Never is a strategy that refuses every retry that is not explicitly marked
// recoverable.
type Never struct{}

func (Never) IsRetryable(_ *envelope.Envelope, err error) bool {
	return errspkg.IsRecoverable(err)
}

func (Never) WaitingTime(_ *envelope.Envelope, err error) time.Duration {
	delay, _ := errspkg.RetryDelayOf(err)
	return delay
}
