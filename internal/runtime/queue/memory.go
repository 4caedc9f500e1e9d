package queue

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// OutcomeState is how a consumed memory task was settled.
type OutcomeState string

const (
	OutcomeCompleted OutcomeState = "completed"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeRequeued  OutcomeState = "requeued"
)

// Outcome records one settled memory task.
type Outcome struct {
	TaskID   string
	Pipeline string
	State    OutcomeState
	Err      error
	Delay    int64
	Headers  map[string]string
}

// Pending is a task waiting in a memory pipeline.
type Pending struct {
	ID          string
	Name        string
	Payload     []byte
	Headers     map[string]string
	AvailableAt time.Time
}

// Memory is an in-process queue backend. It implements Service and Consumer
// and keeps a record of every settled task.
type Memory struct {
	mu        sync.Mutex
	pipelines map[string]*memoryPipeline
	order     []string
	wake      chan struct{}
	created   []string
	outcomes  []Outcome
	now       func() time.Time
}

type memoryPipeline struct {
	desc   Descriptor
	paused bool
	tasks  []*Pending
}

// NewMemory returns an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		pipelines: make(map[string]*memoryPipeline),
		wake:      make(chan struct{}),
		now:       time.Now,
	}
}

// Create adds a paused pipeline. Creating an existing pipeline is an error.
func (m *Memory) Create(_ context.Context, pipeline Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pipelines[pipeline.Name]; exists {
		return fmt.Errorf("queue: pipeline %q already exists", pipeline.Name)
	}
	m.pipelines[pipeline.Name] = &memoryPipeline{desc: pipeline, paused: true}
	m.order = append(m.order, pipeline.Name)
	m.created = append(m.created, pipeline.Name)
	return nil
}

func (m *Memory) Resume(_ context.Context, name string) error {
	return m.setPaused(name, false)
}

func (m *Memory) Pause(_ context.Context, name string) error {
	return m.setPaused(name, true)
}

func (m *Memory) setPaused(name string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[name]
	if !ok {
		return fmt.Errorf("queue: pipeline %q does not exist", name)
	}
	p.paused = paused
	m.signalLocked()
	return nil
}

// Pipelines lists pipelines in creation order.
func (m *Memory) Pipelines(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

// Connect returns a handle for dispatching into name.
func (m *Memory) Connect(name string) Queue {
	return &memoryQueue{memory: m, name: name}
}

// Receive blocks until a resumed pipeline holds a task that is due.
func (m *Memory) Receive(ctx context.Context) (Task, error) {
	for {
		m.mu.Lock()
		entry, pipeline, next := m.popLocked()
		wake := m.wake
		m.mu.Unlock()

		if entry != nil {
			return &memoryTask{memory: m, entry: entry, pipeline: pipeline}, nil
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (m *Memory) popLocked() (*Pending, string, time.Time) {
	now := m.now()
	var next time.Time
	for _, name := range m.order {
		p := m.pipelines[name]
		if p.paused {
			continue
		}
		for i, entry := range p.tasks {
			if !entry.AvailableAt.After(now) {
				p.tasks = append(p.tasks[:i:i], p.tasks[i+1:]...)
				return entry, name, time.Time{}
			}
			if next.IsZero() || entry.AvailableAt.Before(next) {
				next = entry.AvailableAt
			}
		}
	}
	return nil, "", next
}

func (m *Memory) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) push(pipeline string, entry *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[pipeline]
	if !ok {
		return fmt.Errorf("queue: pipeline %q does not exist", pipeline)
	}
	p.tasks = append(p.tasks, entry)
	m.signalLocked()
	return nil
}

func (m *Memory) record(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

// Created lists pipelines in the order Create succeeded for them.
func (m *Memory) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Paused reports whether name is paused.
func (m *Memory) Paused(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[name]
	return ok && p.paused
}

// Outcomes returns every settled task in settlement order.
func (m *Memory) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

// Pending returns the tasks waiting in name.
func (m *Memory) Pending(name string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[name]
	if !ok {
		return nil
	}
	out := make([]Pending, 0, len(p.tasks))
	for _, entry := range p.tasks {
		out = append(out, *entry)
	}
	return out
}

type memoryQueue struct {
	memory *Memory
	name   string
}

func (q *memoryQueue) Name() string { return q.name }

func (q *memoryQueue) Dispatch(_ context.Context, task PreparedTask) (QueuedTask, error) {
	entry := &Pending{
		ID:          uuid.NewString(),
		Name:        task.Name,
		Payload:     task.Payload,
		Headers:     maps.Clone(task.Options.Headers),
		AvailableAt: q.memory.now().Add(time.Duration(task.Options.Delay) * time.Second),
	}
	if err := q.memory.push(q.name, entry); err != nil {
		return QueuedTask{}, err
	}
	return QueuedTask{ID: entry.ID, Pipeline: q.name}, nil
}

type memoryTask struct {
	memory   *Memory
	entry    *Pending
	pipeline string
	delay    int64
	settled  bool
}

func (t *memoryTask) ID() string       { return t.entry.ID }
func (t *memoryTask) Name() string     { return t.entry.Name }
func (t *memoryTask) Pipeline() string { return t.pipeline }
func (t *memoryTask) Payload() []byte  { return t.entry.Payload }

func (t *memoryTask) Headers() map[string]string {
	return maps.Clone(t.entry.Headers)
}

func (t *memoryTask) Header(key string) string {
	return t.entry.Headers[key]
}

func (t *memoryTask) WithDelay(seconds int64) Task {
	t.delay = seconds
	return t
}

func (t *memoryTask) WithHeader(key, value string) Task {
	if t.entry.Headers == nil {
		t.entry.Headers = make(map[string]string)
	}
	t.entry.Headers[key] = value
	return t
}

func (t *memoryTask) Complete(context.Context) error {
	if t.settled {
		return errspkg.ErrTaskAlreadySettled
	}
	t.settled = true
	t.memory.record(Outcome{TaskID: t.entry.ID, Pipeline: t.pipeline, State: OutcomeCompleted})
	return nil
}

func (t *memoryTask) Fail(_ context.Context, err error, requeue bool) error {
	if t.settled {
		return errspkg.ErrTaskAlreadySettled
	}
	t.settled = true
	outcome := Outcome{
		TaskID:   t.entry.ID,
		Pipeline: t.pipeline,
		State:    OutcomeFailed,
		Err:      err,
		Delay:    t.delay,
		Headers:  maps.Clone(t.entry.Headers),
	}
	if requeue {
		outcome.State = OutcomeRequeued
		requeued := *t.entry
		requeued.Headers = maps.Clone(t.entry.Headers)
		requeued.AvailableAt = t.memory.now().Add(time.Duration(t.delay) * time.Second)
		if pushErr := t.memory.push(t.pipeline, &requeued); pushErr != nil {
			return pushErr
		}
	}
	t.memory.record(outcome)
	return nil
}
