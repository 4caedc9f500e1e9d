package consumer

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// TaskContext describes one consumed task to hooks and finalizers.
type TaskContext struct {
	TaskID      string
	Pipeline    string
	MessageType string
	Context     context.Context
	StartedAt   time.Time
	// Duration is set for OnTaskDone, OnTaskError and finalizers.
	Duration   time.Duration
	RetryCount int
	// State is the settlement state once dispatch returned.
	State State
}

// Hooks are optional callbacks around each consumed task.
type Hooks struct {
	OnTaskStart func(tc TaskContext)
	OnTaskDone  func(tc TaskContext)
	OnTaskError func(tc TaskContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnTaskStart: chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainErr(h.OnTaskError, other.OnTaskError),
	}
}

func chain(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(tc TaskContext) {
		a(tc)
		b(tc)
	}
}

func chainErr(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(tc TaskContext, err error) {
		a(tc, err)
		b(tc, err)
	}
}

func (h Hooks) start(tc TaskContext) {
	if h.OnTaskStart != nil {
		h.OnTaskStart(tc)
	}
}

func (h Hooks) done(tc TaskContext) {
	if h.OnTaskDone != nil {
		h.OnTaskDone(tc)
	}
}

func (h Hooks) fail(tc TaskContext, err error) {
	if h.OnTaskError != nil {
		h.OnTaskError(tc, err)
	}
}

// LoggingHooks logs the task lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	return Hooks{
		OnTaskStart: func(tc TaskContext) {
			logger.Debug("Task started", loggingpkg.LogFields{
				"task_id":      tc.TaskID,
				"pipeline":     tc.Pipeline,
				"message_type": tc.MessageType,
				"retry_count":  tc.RetryCount,
			})
		},
		OnTaskDone: func(tc TaskContext) {
			logger.Debug("Task settled", loggingpkg.LogFields{
				"task_id":     tc.TaskID,
				"pipeline":    tc.Pipeline,
				"state":       tc.State.String(),
				"duration_ms": tc.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(tc TaskContext, err error) {
			logger.Error("Task failed", err, loggingpkg.LogFields{
				"task_id":      tc.TaskID,
				"pipeline":     tc.Pipeline,
				"message_type": tc.MessageType,
				"state":        tc.State.String(),
				"duration_ms":  tc.Duration.Milliseconds(),
				"retry_count":  tc.RetryCount,
			})
		},
	}
}
