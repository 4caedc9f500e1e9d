package middleware

import (
	"context"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/messages"
	"github.com/drblury/courier/internal/runtime/senders"
)

// SenderResolver returns the senders of an envelope.
type SenderResolver interface {
	Senders(env *envelope.Envelope) []senders.Named
}

// SendConfig configures SendMessage.
type SendConfig struct {
	Senders SenderResolver
	Types   *messages.Registry
	// AllowNoSenders hands envelopes without senders to the handlers instead
	// of failing.
	AllowNoSenders bool
	Logger         loggingpkg.ServiceLogger
}

// SendMessage submits envelopes that were not received from a transport to
// every sender routed for their type. Sent envelopes are not handled locally.
func SendMessage(cfg SendConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if envelope.Has[envelope.ReceivedStamp](env) || cfg.Senders == nil {
				return next(ctx, env)
			}

			targets := cfg.Senders.Senders(env)
			if len(targets) == 0 {
				if cfg.AllowNoSenders {
					return next(ctx, env)
				}
				return env, fmt.Errorf("%w: %s", errspkg.ErrNoSenderForMessage, messageType(cfg.Types, env))
			}

			for _, target := range targets {
				sent, err := target.Sender.Send(ctx, env)
				if err != nil {
					return env, err
				}
				logger.Debug("Message sent", loggingpkg.LogFields{
					"sender":       target.ID,
					"message_type": messageType(cfg.Types, env),
				})
				env = sent
			}
			return env, nil
		}
	}
}

func messageType(types *messages.Registry, env *envelope.Envelope) string {
	if types == nil {
		return fmt.Sprintf("%T", env.Message())
	}
	return types.NameOf(env.Message())
}
