// Package consumer runs the task loop: it receives tasks from the queue
// backend, decodes them, dispatches them on the bus and settles them.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/handlers"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/queue"
)

// DefaultReceiverName is stamped on envelopes consumed by the loop.
const DefaultReceiverName = "courier"

const receiveBackoff = 100 * time.Millisecond

// Dispatcher runs an envelope through the bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return f(ctx, env)
}

// Finalizer releases per-task resources after a task was settled.
type Finalizer func(tc TaskContext)

// Config wires a Loop.
type Config struct {
	Consumer     queue.Consumer
	Bus          Dispatcher
	Serializer   *codec.Serializer
	Reporter     loggingpkg.ErrorReporter
	Logger       loggingpkg.ServiceLogger
	ReceiverName string
	Hooks        Hooks
	Finalizers   []Finalizer
}

// Loop consumes one task at a time.
type Loop struct {
	cfg Config
	now func() time.Time
}

// NewLoop validates cfg and returns a loop.
func NewLoop(cfg Config) (*Loop, error) {
	switch {
	case cfg.Consumer == nil:
		return nil, errspkg.ErrConsumerRequired
	case cfg.Bus == nil:
		return nil, errspkg.ErrDispatcherRequired
	case cfg.Serializer == nil:
		return nil, errspkg.ErrSerializerRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = loggingpkg.NewLoggerReporter(cfg.Logger)
	}
	if cfg.ReceiverName == "" {
		cfg.ReceiverName = DefaultReceiverName
	}
	return &Loop{cfg: cfg, now: time.Now}, nil
}

// Serve receives and processes tasks until ctx is done or a task asks the
// worker to stop. It returns nil on cancellation and an error wrapping
// ErrStopWorker on a stop request.
func (l *Loop) Serve(ctx context.Context) error {
	l.cfg.Logger.Info("Consumer started", loggingpkg.LogFields{"receiver": l.cfg.ReceiverName})
	defer l.cfg.Logger.Info("Consumer stopped", loggingpkg.LogFields{"receiver": l.cfg.ReceiverName})

	for {
		task, err := l.cfg.Consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errspkg.ErrStopWorker) {
				return err
			}
			l.cfg.Reporter.Report(ctx, err, loggingpkg.LogFields{"stage": "receive"})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if err := l.Process(ctx, task); err != nil {
			return err
		}
	}
}

// Process decodes, dispatches and settles a single task. Failures are
// reported and turned into task failures; only a stop request is returned.
func (l *Loop) Process(ctx context.Context, task queue.Task) error {
	tc := TaskContext{
		TaskID:      task.ID(),
		Pipeline:    task.Pipeline(),
		MessageType: task.Name(),
		StartedAt:   l.now(),
	}
	taskCtx, cancel := context.WithCancel(ctx)
	tc.Context = taskCtx
	defer func() {
		cancel()
		tc.Duration = l.now().Sub(tc.StartedAt)
		for _, finalize := range l.cfg.Finalizers {
			finalize(tc)
		}
	}()

	fields := loggingpkg.LogFields{"task_id": tc.TaskID, "pipeline": tc.Pipeline}

	env, err := l.cfg.Serializer.Decode(codec.Encoded{Body: task.Payload(), Headers: task.Headers()})
	if err != nil {
		l.cfg.Hooks.start(tc)
		l.cfg.Reporter.Report(taskCtx, err, fields)
		tc.State = StateFailed
		tc.Duration = l.now().Sub(tc.StartedAt)
		l.cfg.Hooks.fail(tc, err)
		failErr := task.Fail(taskCtx, err, false)
		if failErr != nil && !errors.Is(failErr, errspkg.ErrStopWorker) {
			l.cfg.Reporter.Report(taskCtx, failErr, fields)
		}
		return stopRequested(failErr)
	}
	tc.RetryCount = envelope.RetryCount(env)
	l.cfg.Hooks.start(tc)

	env = env.With(envelope.TransportMessageIDStamp{ID: task.ID()})
	state := NewTaskState(task, l.cfg.Serializer.Stamps())
	env = env.With(
		envelope.ConsumedByWorkerStamp{},
		envelope.AckStamp{Completion: state},
		envelope.RetryHandlerStamp{Completion: state},
		envelope.ReceivedStamp{TransportName: l.cfg.ReceiverName},
	)
	taskCtx = handlers.WithContext(taskCtx, handlers.Context{Envelope: env, Task: task, Logger: l.cfg.Logger})

	out, dispatchErr := l.dispatch(taskCtx, env)
	if out == nil {
		out = env
	}

	var settleErr error
	if dispatchErr != nil {
		l.cfg.Reporter.Report(taskCtx, dispatchErr, fields)
		settleErr = state.Ack(taskCtx, out, dispatchErr)
	} else if !state.Processed() && !envelope.Has[envelope.NoAutoAckStamp](out) {
		settleErr = state.Ack(taskCtx, out, nil)
	}
	if settleErr != nil && !errors.Is(settleErr, errspkg.ErrStopWorker) {
		l.cfg.Reporter.Report(taskCtx, settleErr, fields)
	}

	tc.State = state.State()
	tc.Duration = l.now().Sub(tc.StartedAt)
	if dispatchErr != nil {
		l.cfg.Hooks.fail(tc, dispatchErr)
	} else {
		l.cfg.Hooks.done(tc)
	}

	if errors.Is(dispatchErr, errspkg.ErrStopWorker) {
		return fmt.Errorf("consumer stopped by task %s: %w", tc.TaskID, dispatchErr)
	}
	return stopRequested(settleErr)
}

func (l *Loop) dispatch(ctx context.Context, env *envelope.Envelope) (out *envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred: %v, stacktrace: \n%s", r, debug.Stack())
		}
	}()
	return l.cfg.Bus.Dispatch(ctx, env)
}

func stopRequested(err error) error {
	if errors.Is(err, errspkg.ErrStopWorker) {
		return err
	}
	return nil
}
