package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrPipelineRequired", ErrPipelineRequired, "courier: pipeline is required"},
		{"ErrNoHandlerForMessage", ErrNoHandlerForMessage, "courier: no handler for message"},
		{"ErrRegistryFrozen", ErrRegistryFrozen, "courier: registry is frozen"},
		{"ErrStopWorker", ErrStopWorker, "courier: worker stop requested"},
		{"ErrLockTimeout", ErrLockTimeout, "courier: timed out waiting for lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, inner, cfgErr.Err)
		assert.ErrorIs(t, err, inner)
		assert.Equal(t, "courier: invalid configuration: bad config", err.Error())
	})
}

func TestTypedFailures(t *testing.T) {
	cause := errors.New("boom")

	decodeErr := NewDecodingError("missing type header", nil)
	assert.True(t, IsDecodingError(fmt.Errorf("wrapped: %w", decodeErr)))
	assert.Equal(t, "courier: decoding failure: missing type header", decodeErr.Error())

	transportErr := &TransportError{Pipeline: "emails", Err: cause}
	assert.ErrorIs(t, transportErr, cause)
	assert.Contains(t, transportErr.Error(), `"emails"`)

	cfgErr := WrapConfigurationError(cause, "duplicate pipeline")
	var target *ConfigurationError
	require.ErrorAs(t, cfgErr, &target)
	assert.Equal(t, "duplicate pipeline", target.Reason)
	assert.ErrorIs(t, cfgErr, cause)
}

func TestRecoverabilityMarkers(t *testing.T) {
	plain := errors.New("plain")

	assert.False(t, IsRecoverable(plain))
	assert.False(t, IsUnrecoverable(plain))

	assert.True(t, IsRecoverable(Recoverable(plain)))
	assert.True(t, IsUnrecoverable(Unrecoverable(plain)))
	assert.True(t, IsRecoverable(fmt.Errorf("ctx: %w", Recoverable(plain))))

	delay, ok := RetryDelayOf(RecoverableAfter(plain, 3*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	_, ok = RetryDelayOf(Recoverable(plain))
	assert.False(t, ok)
}

func TestHandlerFailedErrorClassification(t *testing.T) {
	t.Run("any recoverable nested error is recoverable", func(t *testing.T) {
		err := &HandlerFailedError{MessageType: "Order", Failures: []HandlerFailure{
			{Handler: "A@Handle", Err: Unrecoverable(errors.New("a"))},
			{Handler: "B@Handle", Err: Recoverable(errors.New("b"))},
		}}
		assert.True(t, IsRecoverable(err))
		assert.False(t, IsUnrecoverable(err))
	})

	t.Run("all unrecoverable nested errors are unrecoverable", func(t *testing.T) {
		err := &HandlerFailedError{MessageType: "Order", Failures: []HandlerFailure{
			{Handler: "A@Handle", Err: Unrecoverable(errors.New("a"))},
			{Handler: "B@Handle", Err: Unrecoverable(errors.New("b"))},
		}}
		assert.True(t, IsUnrecoverable(err))
	})

	t.Run("mixed plain and unrecoverable is neither", func(t *testing.T) {
		err := &HandlerFailedError{MessageType: "Order", Failures: []HandlerFailure{
			{Handler: "A@Handle", Err: Unrecoverable(errors.New("a"))},
			{Handler: "B@Handle", Err: errors.New("b")},
		}}
		assert.False(t, IsUnrecoverable(err))
		assert.False(t, IsRecoverable(err))

		last, ok := err.Last()
		require.True(t, ok)
		assert.Equal(t, "B@Handle", last.Handler)
		assert.Contains(t, err.Error(), "2 handlers")
	})
}
