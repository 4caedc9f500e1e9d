package handlers

import (
	"context"

	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/queue"
)

// Context is the request scope of one handler invocation: the envelope being
// handled and, for consumed messages, the task it came from.
type Context struct {
	Envelope *envelope.Envelope
	Task     queue.Task
	Logger   loggingpkg.ServiceLogger
}

type contextKey struct{}

// WithContext stores c in ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the request scope stored in ctx, or a zero Context.
func FromContext(ctx context.Context) Context {
	c, _ := ctx.Value(contextKey{}).(Context)
	return c
}

// EnvelopeFrom returns the envelope currently being handled.
func EnvelopeFrom(ctx context.Context) *envelope.Envelope {
	return FromContext(ctx).Envelope
}

// TaskFrom returns the consumed task, or nil for messages handled in-process.
func TaskFrom(ctx context.Context) queue.Task {
	return FromContext(ctx).Task
}

// CurrentHandler returns the owner@method of the executing handler.
func CurrentHandler(ctx context.Context) string {
	return CurrentHandlerOf(EnvelopeFrom(ctx))
}

// CurrentHandlerOf returns the handler named by env's TargetHandlerStamp.
func CurrentHandlerOf(env *envelope.Envelope) string {
	if env == nil {
		return ""
	}
	target, _ := envelope.Last[envelope.TargetHandlerStamp](env)
	return target.Handler
}

// Header returns a header of the consumed task.
func (c Context) Header(key string) string {
	if c.Task == nil {
		return ""
	}
	return c.Task.Header(key)
}

// RetryCount returns how often the current message was redelivered.
func (c Context) RetryCount() int {
	if c.Envelope == nil {
		return 0
	}
	return envelope.RetryCount(c.Envelope)
}
