package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// HandlerResolver returns the handlers of an envelope.
type HandlerResolver interface {
	MessageType(env *envelope.Envelope) string
	Handlers(env *envelope.Envelope) []handlers.Handler
}

// HandleConfig configures HandleMessage.
type HandleConfig struct {
	Handlers        HandlerResolver
	AllowNoHandlers bool
	Logger          loggingpkg.ServiceLogger
}

// HandleMessage runs the resolved handlers. Every handler runs even when an
// earlier one fails; failures are returned together as a HandlerFailedError.
// Panics are converted into failures of the panicking handler.
func HandleMessage(cfg HandleConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			name := cfg.Handlers.MessageType(env)
			resolved := cfg.Handlers.Handlers(env)
			if len(resolved) == 0 {
				if cfg.AllowNoHandlers {
					return next(ctx, env)
				}
				return env, fmt.Errorf("%w: %s", errspkg.ErrNoHandlerForMessage, name)
			}

			var failures []errspkg.HandlerFailure
			for _, h := range resolved {
				ref := h.Ref().String()
				if err := invoke(ctx, h, env); err != nil {
					logger.Debug("Handler failed", loggingpkg.LogFields{
						"handler":      ref,
						"message_type": name,
						"error":        err.Error(),
					})
					failures = append(failures, errspkg.HandlerFailure{Handler: ref, Err: err})
					continue
				}
				env = env.With(envelope.HandledStamp{Handler: ref})
			}
			if len(failures) > 0 {
				return env, &errspkg.HandlerFailedError{MessageType: name, Failures: failures}
			}
			return next(ctx, env)
		}
	}
}

func invoke(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred: %v, stacktrace: \n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, env)
}
