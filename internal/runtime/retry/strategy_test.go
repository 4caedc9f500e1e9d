package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

func attempt(retries int) *envelope.Envelope {
	env := envelope.Wrap(struct{}{})
	if retries > 0 {
		env = env.With(envelope.RedeliveryStamp{RetryCount: retries})
	}
	return env
}

func TestMultiplierStrategyBackoff(t *testing.T) {
	s := NewMultiplierStrategy(3, time.Second, 2)
	failure := errors.New("boom")

	tests := []struct {
		retries   int
		retryable bool
		wait      time.Duration
	}{
		{0, true, time.Second},
		{1, true, 2 * time.Second},
		{2, true, 4 * time.Second},
		{3, false, 8 * time.Second},
	}
	for _, tt := range tests {
		env := attempt(tt.retries)
		assert.Equal(t, tt.retryable, s.IsRetryable(env, failure), "retries=%d", tt.retries)
		assert.Equal(t, tt.wait, s.WaitingTime(env, failure), "retries=%d", tt.retries)
	}
}

func TestMultiplierStrategyMaxDelayAndFloorMultiplier(t *testing.T) {
	s := MultiplierStrategy{MaxRetries: 10, Delay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, s.WaitingTime(attempt(4), errors.New("x")))

	flat := MultiplierStrategy{MaxRetries: 10, Delay: time.Second, Multiplier: 0.5}
	assert.Equal(t, time.Second, flat.WaitingTime(attempt(3), errors.New("x")))
}

func TestMultiplierStrategyJitterStaysInRange(t *testing.T) {
	s := MultiplierStrategy{MaxRetries: 1, Delay: time.Second, Multiplier: 1, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		wait := s.WaitingTime(attempt(0), errors.New("x"))
		assert.GreaterOrEqual(t, wait, 500*time.Millisecond)
		assert.LessOrEqual(t, wait, 1500*time.Millisecond)
	}
}

func TestRecoverableOverrides(t *testing.T) {
	s := NewMultiplierStrategy(1, time.Second, 1)
	err := errspkg.RecoverableAfter(errors.New("later"), 30*time.Second)

	assert.True(t, s.IsRetryable(attempt(5), err))
	assert.Equal(t, 30*time.Second, s.WaitingTime(attempt(5), err))

	assert.True(t, Never{}.IsRetryable(attempt(0), err))
	assert.False(t, Never{}.IsRetryable(attempt(0), errors.New("plain")))
	assert.Equal(t, 30*time.Second, Never{}.WaitingTime(attempt(0), err))
}

func TestPolicyDefaults(t *testing.T) {
	assert.Equal(t, NewMultiplierStrategy(3, time.Second, 1), Policy{}.Strategy())
	assert.Equal(t, NewMultiplierStrategy(5, 2*time.Second, 2), Policy{MaxAttempts: 5, Delay: 2 * time.Second, Multiplier: 2}.Strategy())
}
