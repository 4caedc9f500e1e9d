package logging

import (
	"context"
)

// ErrorReporter receives failures that are swallowed to keep a worker alive:
// undecodable tasks, handler errors that end a task, rejected dispatches.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields LogFields)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(ctx context.Context, err error, fields LogFields)

func (f ReporterFunc) Report(ctx context.Context, err error, fields LogFields) {
	f(ctx, err, fields)
}

// NewLoggerReporter reports errors at error level on log.
func NewLoggerReporter(log ServiceLogger) ErrorReporter {
	if log == nil {
		panic("courier: ServiceLogger cannot be nil")
	}
	return ReporterFunc(func(_ context.Context, err error, fields LogFields) {
		log.Error("courier error", err, fields)
	})
}

// MultiReporter fans a report out to every reporter in order.
func MultiReporter(reporters ...ErrorReporter) ErrorReporter {
	active := make([]ErrorReporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			active = append(active, r)
		}
	}
	return ReporterFunc(func(ctx context.Context, err error, fields LogFields) {
		for _, r := range active {
			r.Report(ctx, err, fields)
		}
	})
}
