package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/queue"
)

// State is the settlement state of a consumed task.
type State int

const (
	StatePending State = iota
	StateCompleted
	StateFailed
	StateRetried
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRetried:
		return "retried"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskState settles one task exactly once. It implements
// envelope.Completion and is safe for use from several goroutines so a
// handler that disabled auto-ack can settle asynchronously.
type TaskState struct {
	mu     sync.Mutex
	task   queue.Task
	stamps *codec.StampCodec
	state  State
	err    error
}

// NewTaskState returns a pending state for task.
func NewTaskState(task queue.Task, stamps *codec.StampCodec) *TaskState {
	if stamps == nil {
		stamps = codec.NewStampCodec()
	}
	return &TaskState{task: task, stamps: stamps}
}

// State returns the current state.
func (s *TaskState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error the task was failed or retried with.
func (s *TaskState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Processed reports whether the task has been settled.
func (s *TaskState) Processed() bool {
	return s.State() != StatePending
}

// Ack completes the task, or fails it without requeue when err is set.
// Calls after the task was settled are ignored.
func (s *TaskState) Ack(ctx context.Context, _ *envelope.Envelope, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return nil
	}
	if err != nil {
		s.state, s.err = StateFailed, err
		return s.task.Fail(ctx, err, false)
	}
	s.state = StateCompleted
	return s.task.Complete(ctx)
}

// Retry requeues the task. The envelope's stamps replace the task's stamp
// headers and a DelayStamp of at least one second becomes the task delay in
// whole seconds; shorter delays are dropped. Calls after the task was
// settled are ignored.
func (s *TaskState) Retry(ctx context.Context, env *envelope.Envelope, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return nil
	}
	s.state, s.err = StateRetried, err

	task := s.task
	if delay, ok := envelope.Last[envelope.DelayStamp](env); ok && delay.Delay >= 1000 {
		task = task.WithDelay(delay.Delay / 1000)
	}

	headers, encErr := s.stamps.Encode(env)
	if encErr != nil {
		s.state = StateFailed
		return task.Fail(ctx, fmt.Errorf("encode retry stamps: %w", encErr), false)
	}
	for key, value := range headers {
		if value == "" {
			continue
		}
		task = task.WithHeader(key, value)
	}
	return task.Fail(ctx, err, true)
}
