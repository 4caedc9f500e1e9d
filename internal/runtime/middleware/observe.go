package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/internal/runtime/envelope"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/messages"
)

// TracerName is the instrumentation name used by Tracer.
const TracerName = "github.com/drblury/courier"

// LogMessages logs every envelope passing through the bus together with its
// stamp names and the outcome. Failures of consumed envelopes are logged at
// debug level; the consumer reports them once it has settled the task.
func LogMessages(logger loggingpkg.ServiceLogger, types *messages.Registry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			fields := loggingpkg.LogFields{
				"message_type": messageType(types, env),
				"stamps":       env.Names(),
			}
			logger.Debug("Processing message", fields)

			start := time.Now()
			out, err := next(ctx, env)
			fields["duration"] = time.Since(start).String()
			if err != nil {
				if envelope.Has[envelope.ReceivedStamp](env) {
					fields["error"] = err.Error()
					logger.Debug("Message processing failed", fields)
					return out, err
				}
				logger.Error("Message processing failed", err, fields)
				return out, err
			}
			logger.Trace("Message processed", fields)
			return out, nil
		}
	}
}

// Tracer wraps each dispatch in an OpenTelemetry span. A nil provider uses
// the global one.
func Tracer(provider trace.TracerProvider, types *messages.Registry) Middleware {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	tracer := provider.Tracer(TracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			ctx, span := tracer.Start(ctx, "courier.dispatch")
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("message.type", messageType(types, env)),
				attribute.Int("message.redelivery_count", envelope.RetryCount(env)),
			}
			if stamp, ok := envelope.Last[envelope.PipelineStamp](env); ok {
				attrs = append(attrs, attribute.String("message.pipeline", stamp.Pipeline))
			}
			if received, ok := envelope.Last[envelope.ReceivedStamp](env); ok {
				attrs = append(attrs, attribute.String("message.received_from", received.TransportName))
			}
			span.SetAttributes(attrs...)

			out, err := next(ctx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}
