package senders

import (
	"context"
	"maps"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/queue"
)

// AliasResolver maps pipeline aliases to canonical names.
type AliasResolver interface {
	Resolve(name string) string
}

// QueueSenderConfig wires a QueueSender.
type QueueSenderConfig struct {
	Queue           queue.Service
	Serializer      *codec.Serializer
	Aliases         AliasResolver
	DefaultPipeline string
	Reporter        loggingpkg.ErrorReporter
	// OnSent observes every submission; err is nil on success.
	OnSent func(pipeline string, err error)
}

// QueueSender encodes envelopes and dispatches them as tasks.
type QueueSender struct {
	cfg QueueSenderConfig
}

// NewQueueSender validates cfg and returns a sender.
func NewQueueSender(cfg QueueSenderConfig) (*QueueSender, error) {
	if cfg.Queue == nil {
		return nil, errspkg.ErrQueueServiceRequired
	}
	if cfg.Serializer == nil {
		return nil, errspkg.ErrSerializerRequired
	}
	return &QueueSender{cfg: cfg}, nil
}

// Send resolves the pipeline, encodes env, merges header stamps and the delay,
// and dispatches the task. On success the envelope gains the backend's task
// id and the resolved pipeline.
func (s *QueueSender) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	pipeline := s.pipeline(env)
	if pipeline == "" {
		return nil, errspkg.ErrPipelineRequired
	}

	encoded, err := s.cfg.Serializer.Encode(env)
	if err != nil {
		return nil, err
	}

	task := queue.PreparedTask{
		Name:    encoded.Headers[codec.HeaderType],
		Payload: encoded.Body,
		Options: s.options(env, encoded.Headers),
	}

	queued, err := s.cfg.Queue.Connect(pipeline).Dispatch(ctx, task)
	if s.cfg.OnSent != nil {
		s.cfg.OnSent(pipeline, err)
	}
	if err != nil {
		if s.cfg.Reporter != nil {
			s.cfg.Reporter.Report(ctx, err, loggingpkg.LogFields{"pipeline": pipeline, "message_type": task.Name})
		}
		return nil, &errspkg.TransportError{Pipeline: pipeline, Err: err}
	}

	return env.With(
		envelope.TransportMessageIDStamp{ID: queued.ID},
		envelope.PipelineStamp{Pipeline: pipeline},
	), nil
}

func (s *QueueSender) pipeline(env *envelope.Envelope) string {
	name := s.cfg.DefaultPipeline
	if stamp, ok := envelope.Last[envelope.PipelineStamp](env); ok && stamp.Pipeline != "" {
		name = stamp.Pipeline
	}
	if name != "" && s.cfg.Aliases != nil {
		name = s.cfg.Aliases.Resolve(name)
	}
	return name
}

func (s *QueueSender) options(env *envelope.Envelope, headers map[string]string) queue.Options {
	var opts queue.Options
	if stamp, ok := envelope.Last[envelope.OptionsStamp](env); ok {
		opts.Priority = stamp.Options.Priority
		opts.Delay = stamp.Options.Delay
		opts.AutoAck = stamp.Options.AutoAck
	}

	merged := maps.Clone(headers)
	for _, stamp := range envelope.All[envelope.HeadersStamp](env) {
		maps.Copy(merged, stamp.Headers)
	}
	opts.Headers = merged

	if delay, ok := envelope.Last[envelope.DelayStamp](env); ok && delay.Delay > 0 {
		opts.Delay = delay.Seconds()
	}
	return opts
}
