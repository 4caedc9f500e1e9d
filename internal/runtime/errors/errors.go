package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfigRequired        = sterrors.New("courier: configuration is required")
	ErrLoggerRequired        = sterrors.New("courier: logger is required")
	ErrHandlerRequired       = sterrors.New("courier: handler function is required")
	ErrHandlerOwnerRequired  = sterrors.New("courier: handler owner is required")
	ErrMessageTypeRequired   = sterrors.New("courier: message type is required")
	ErrMessageRequired       = sterrors.New("courier: message is required")
	ErrSenderRequired        = sterrors.New("courier: sender is required")
	ErrQueueServiceRequired  = sterrors.New("courier: queue service is required")
	ErrLockerRequired        = sterrors.New("courier: distributed lock is required")
	ErrPipelineRequired      = sterrors.New("courier: pipeline is required")
	ErrNoHandlerForMessage   = sterrors.New("courier: no handler for message")
	ErrNoSenderForMessage    = sterrors.New("courier: no sender for message")
	ErrRegistryFrozen        = sterrors.New("courier: registry is frozen")
	ErrServiceNotFrozen      = sterrors.New("courier: service has not been frozen")
	ErrLockTimeout           = sterrors.New("courier: timed out waiting for lock")
	ErrLockNotHeld           = sterrors.New("courier: lock is not held by this owner")
	ErrTaskAlreadySettled    = sterrors.New("courier: task already settled")
	ErrUnknownStamp          = sterrors.New("courier: unknown stamp")
	ErrUnknownMessageType    = sterrors.New("courier: unknown message type")
	ErrUnsupportedFormat     = sterrors.New("courier: unsupported serialization format")
	ErrStopWorker            = sterrors.New("courier: worker stop requested")
	ErrConsumerRequired      = sterrors.New("courier: task consumer is required")
	ErrDispatcherRequired    = sterrors.New("courier: dispatcher is required")
	ErrSerializerRequired    = sterrors.New("courier: serializer is required")
	ErrPipelineAlreadyExists = sterrors.New("courier: pipeline already registered in this process")
)

// ConfigValidationError reports an invalid Config passed to the service.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("courier: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConfigurationError is raised while registries are built: duplicate pipelines,
// unresolvable routes, non-exported handler methods. It is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "courier: configuration failure: " + e.Reason
	}
	return fmt.Sprintf("courier: configuration failure: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapConfigurationError attaches a reason to an underlying cause.
func WrapConfigurationError(err error, reason string) error {
	return &ConfigurationError{Reason: reason, Err: err}
}

// DecodingError marks a payload that cannot be turned back into an envelope.
type DecodingError struct {
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Err == nil {
		return "courier: decoding failure: " + e.Reason
	}
	return fmt.Sprintf("courier: decoding failure: %s: %v", e.Reason, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// NewDecodingError builds a DecodingError, optionally wrapping a cause.
func NewDecodingError(reason string, err error) error {
	return &DecodingError{Reason: reason, Err: err}
}

// IsDecodingError reports whether err carries a DecodingError.
func IsDecodingError(err error) bool {
	var target *DecodingError
	return sterrors.As(err, &target)
}

// TransportError wraps a failure of the queue backend to accept a task.
type TransportError struct {
	Pipeline string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("courier: transport failure on pipeline %q: %v", e.Pipeline, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerFailure pairs a handler identity with the error it returned.
type HandlerFailure struct {
	Handler string
	Err     error
}

// HandlerFailedError aggregates every handler failure of one dispatch, in the
// order handlers ran.
type HandlerFailedError struct {
	MessageType string
	Failures    []HandlerFailure
}

func (e *HandlerFailedError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("courier: handling %q failed: %s: %v", e.MessageType, e.Failures[0].Handler, e.Failures[0].Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Handler, f.Err))
	}
	return fmt.Sprintf("courier: handling %q failed in %d handlers: %s", e.MessageType, len(e.Failures), strings.Join(parts, "; "))
}

func (e *HandlerFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Last returns the most recent handler failure.
func (e *HandlerFailedError) Last() (HandlerFailure, bool) {
	if len(e.Failures) == 0 {
		return HandlerFailure{}, false
	}
	return e.Failures[len(e.Failures)-1], true
}

// RecoverableError always leads to a retry. A positive RetryDelay overrides the
// delay computed by the retry strategy.
type RecoverableError struct {
	Err        error
	RetryDelay time.Duration
}

func (e *RecoverableError) Error() string {
	return "courier: recoverable: " + errorText(e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable implements the recoverable marker.
func (e *RecoverableError) Recoverable() bool { return true }

// UnrecoverableError is never retried.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "courier: unrecoverable: " + errorText(e.Err)
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable implements the unrecoverable marker.
func (e *UnrecoverableError) Unrecoverable() bool { return true }

// Recoverable marks err as recoverable.
func Recoverable(err error) error {
	return &RecoverableError{Err: err}
}

// RecoverableAfter marks err as recoverable and pins the retry delay.
func RecoverableAfter(err error, delay time.Duration) error {
	return &RecoverableError{Err: err, RetryDelay: delay}
}

// Unrecoverable marks err as unrecoverable.
func Unrecoverable(err error) error {
	return &UnrecoverableError{Err: err}
}

type recoverableMarker interface{ Recoverable() bool }

type unrecoverableMarker interface{ Unrecoverable() bool }

// IsRecoverable reports whether err, or anything it wraps, is marked recoverable.
// Application errors can opt in by implementing Recoverable() bool.
func IsRecoverable(err error) bool {
	var marker recoverableMarker
	return sterrors.As(err, &marker) && marker.Recoverable()
}

// IsUnrecoverable reports whether err is marked unrecoverable. For an aggregate
// handler failure every nested error has to carry the marker.
func IsUnrecoverable(err error) bool {
	var failed *HandlerFailedError
	if sterrors.As(err, &failed) && len(failed.Failures) > 0 {
		for _, f := range failed.Failures {
			if !isUnrecoverable(f.Err) {
				return false
			}
		}
		return true
	}
	return isUnrecoverable(err)
}

func isUnrecoverable(err error) bool {
	var marker unrecoverableMarker
	return sterrors.As(err, &marker) && marker.Unrecoverable()
}

// RetryDelayOf returns the explicit delay carried by a recoverable error.
func RetryDelayOf(err error) (time.Duration, bool) {
	var rec *RecoverableError
	if sterrors.As(err, &rec) && rec.RetryDelay > 0 {
		return rec.RetryDelay, true
	}
	return 0, false
}

func errorText(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
