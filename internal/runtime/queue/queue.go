// Package queue defines the contract the messenger expects from a job queue
// backend: pipelines that can be created, paused and resumed, queues that
// accept tasks, and consumed tasks that are completed or failed.
package queue

import (
	"context"
	"maps"
)

// Descriptor describes a pipeline on the backend.
type Descriptor struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	Priority int64             `json:"priority,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Options are applied when a task is queued.
type Options struct {
	Priority int64
	// Delay in seconds before the task becomes visible.
	Delay   int64
	AutoAck bool
	Headers map[string]string
}

// WithHeader returns a copy of o with key set to value.
func (o Options) WithHeader(key, value string) Options {
	headers := maps.Clone(o.Headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[key] = value
	o.Headers = headers
	return o
}

// PreparedTask is a task ready to be dispatched.
type PreparedTask struct {
	Name    string
	Payload []byte
	Options Options
}

// QueuedTask is the backend's receipt for a dispatched task.
type QueuedTask struct {
	ID       string
	Pipeline string
}

// Queue accepts tasks for one pipeline.
type Queue interface {
	Name() string
	Dispatch(ctx context.Context, task PreparedTask) (QueuedTask, error)
}

// Service manages pipelines on the backend.
type Service interface {
	Create(ctx context.Context, pipeline Descriptor) error
	Resume(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Pipelines(ctx context.Context) ([]string, error)
	Connect(name string) Queue
}

// Consumer hands out consumed tasks one at a time.
type Consumer interface {
	// Receive blocks until a task is available or ctx is done.
	Receive(ctx context.Context) (Task, error)
}

// Task is a consumed unit of work. WithDelay and WithHeader update the task in
// place and return it so calls can be chained before Fail requeues it.
type Task interface {
	ID() string
	Name() string
	Pipeline() string
	Payload() []byte
	Headers() map[string]string
	Header(key string) string
	WithDelay(seconds int64) Task
	WithHeader(key, value string) Task
	Complete(ctx context.Context) error
	Fail(ctx context.Context, err error, requeue bool) error
}

// Exists reports whether name is among the backend's pipelines.
func Exists(ctx context.Context, svc Service, name string) (bool, error) {
	names, err := svc.Pipelines(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if existing == name {
			return true, nil
		}
	}
	return false, nil
}
