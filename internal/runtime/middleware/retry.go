package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/retry"
)

// DefaultStampsHistorySize caps how many stamps of one type a retried
// envelope accumulates.
const DefaultStampsHistorySize = 10

// StrategyResolver returns the retry strategy of a handler, or nil.
type StrategyResolver interface {
	RetryStrategy(ref handlers.Ref) retry.Strategy
}

// RetryConfig configures SendFailedMessageForRetry.
type RetryConfig struct {
	Strategies StrategyResolver
	// Senders requeue envelopes that carry no RetryHandlerStamp.
	Senders     SenderResolver
	HistorySize int
	// RecordErrorDetails appends an ErrorDetailsStamp to every retry.
	RecordErrorDetails bool
	Logger             loggingpkg.ServiceLogger
	// OnRetry observes every scheduled retry.
	OnRetry func(env *envelope.Envelope, delay time.Duration)
	Now     func() time.Time
}

// SendFailedMessageForRetry requeues consumed envelopes whose handling failed
// and may be retried. Recoverable failures are always retried, failures that
// are unrecoverable throughout never are, and everything else asks the retry
// strategy of the last failing handler. Without a strategy the failure is
// returned unchanged.
func SendFailedMessageForRetry(cfg RetryConfig) Middleware {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultStampsHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			out, err := next(ctx, env)
			if err == nil || !envelope.Has[envelope.ReceivedStamp](env) || errors.Is(err, errspkg.ErrStopWorker) {
				return out, err
			}

			strategy, handler, ok := cfg.decide(env, err)
			if !ok || !strategy.IsRetryable(env, err) {
				return out, err
			}

			delay := strategy.WaitingTime(env, err)
			retried := cfg.prepare(env, delay, handler, err)

			if err := cfg.requeue(ctx, env, retried, err); err != nil {
				return out, err
			}
			cfg.Logger.Info("Message scheduled for retry", loggingpkg.LogFields{
				"handler":     handler,
				"retry_count": envelope.RetryCount(retried),
				"delay":       delay.String(),
				"error":       err.Error(),
			})
			if cfg.OnRetry != nil {
				cfg.OnRetry(retried, delay)
			}
			return retried, nil
		}
	}
}

func (cfg RetryConfig) decide(env *envelope.Envelope, err error) (retry.Strategy, string, bool) {
	recoverable := errspkg.IsRecoverable(err)
	if !recoverable && errspkg.IsUnrecoverable(err) {
		return nil, "", false
	}

	handler := handlers.CurrentHandlerOf(env)
	var failed *errspkg.HandlerFailedError
	if errors.As(err, &failed) {
		if last, ok := failed.Last(); ok {
			handler = last.Handler
		}
	}

	var strategy retry.Strategy
	if ref, ok := handlers.ParseRef(handler); ok && cfg.Strategies != nil {
		strategy = cfg.Strategies.RetryStrategy(ref)
	}
	if strategy == nil {
		if !recoverable {
			return nil, handler, false
		}
		strategy = retry.Never{}
	}
	return strategy, handler, true
}

func (cfg RetryConfig) prepare(env *envelope.Envelope, delay time.Duration, handler string, err error) *envelope.Envelope {
	now := cfg.Now()
	retried := envelope.Without[envelope.ReceivedStamp](env)
	retried = envelope.Without[envelope.ConsumedByWorkerStamp](retried)
	retried = envelope.Without[envelope.RetryHandlerStamp](retried)
	retried = envelope.Without[envelope.AckStamp](retried)
	retried = envelope.Without[envelope.TargetHandlerStamp](retried)

	retried = AppendCapped(retried, cfg.HistorySize, envelope.RedeliveryStamp{
		RetryCount:    envelope.RetryCount(env) + 1,
		RedeliveredAt: now,
	})
	retried = AppendCapped(retried, cfg.HistorySize, envelope.DelayFor(delay))
	if cfg.RecordErrorDetails {
		retried = AppendCapped(retried, cfg.HistorySize, envelope.ErrorDetailsStamp{
			Message:  err.Error(),
			Handler:  handler,
			FailedAt: now,
		})
	}
	return retried
}

// requeue hands the retried envelope back exactly once: to the consumed
// task when the envelope carries a RetryHandlerStamp, otherwise to the
// senders.
func (cfg RetryConfig) requeue(ctx context.Context, original, retried *envelope.Envelope, cause error) error {
	if stamp, ok := envelope.Last[envelope.RetryHandlerStamp](original); ok && stamp.Completion != nil {
		return stamp.Completion.Retry(ctx, retried, cause)
	}
	if cfg.Senders == nil {
		return cause
	}
	targets := cfg.Senders.Senders(retried)
	if len(targets) == 0 {
		return cause
	}
	for _, target := range targets {
		if _, err := target.Sender.Send(ctx, retried); err != nil {
			return err
		}
	}
	return nil
}

// AppendCapped appends stamp while keeping at most size stamps of its type:
// once the limit is reached the first stamp and the most recent size-2 are
// kept alongside the new one.
func AppendCapped(env *envelope.Envelope, size int, stamp envelope.Stamp) *envelope.Envelope {
	name := stamp.StampName()
	existing := env.All(name)
	if size <= 0 || len(existing) < size {
		return env.With(stamp)
	}
	kept := make([]envelope.Stamp, 0, size)
	if size > 1 {
		kept = append(kept, existing[0])
	}
	if size > 2 {
		kept = append(kept, existing[len(existing)-(size-2):]...)
	}
	kept = append(kept, stamp)
	return env.WithoutAll(name).With(kept...)
}
