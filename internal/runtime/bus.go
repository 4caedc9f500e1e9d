package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	"github.com/drblury/courier/internal/runtime/middleware"
	"github.com/drblury/courier/internal/runtime/senders"
)

// assembleBus chains the custom stack ahead of the built-in stages:
// logging, tracing, producer-side detection, retry, send and handle.
func (s *Service) assembleBus(handlerLocator *handlers.Locator, senderLocator *senders.Locator) middleware.HandlerFunc {
	mws := s.stack.Middlewares()
	mws = append(mws,
		middleware.LogMessages(s.Logger, s.types),
		middleware.Tracer(s.deps.TracerProvider, s.types),
	)
	mws = append(mws, middleware.Outbound(s.types)...)
	mws = append(mws,
		middleware.SendFailedMessageForRetry(middleware.RetryConfig{
			Strategies:         handlerLocator,
			Senders:            senderLocator,
			HistorySize:        s.Conf.StampsHistorySize,
			RecordErrorDetails: s.Conf.RecordErrorDetails,
			Logger:             s.Logger,
			OnRetry:            s.metrics.RetryObserver(s.types),
		}),
		middleware.SendMessage(middleware.SendConfig{
			Senders:        senderLocator,
			Types:          s.types,
			AllowNoSenders: s.Conf.AllowNoSenders,
			Logger:         s.Logger,
		}),
		middleware.HandleMessage(middleware.HandleConfig{
			Handlers:        handlerLocator,
			AllowNoHandlers: s.Conf.AllowNoHandlers,
			Logger:          s.Logger,
		}),
	)
	return middleware.Chain(middleware.Terminal, mws...)
}

// validate rejects consumed messages the validator refuses. Invalid messages
// are never retried.
func validate(v MessageValidator) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if envelope.Has[envelope.ReceivedStamp](env) {
				if err := v.Validate(env.Message()); err != nil {
					return env, errspkg.Unrecoverable(fmt.Errorf("invalid message: %w", err))
				}
			}
			return next(ctx, env)
		}
	}
}
