package middleware

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/courier/internal/runtime/codec"
	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/messages"
)

func hasSerializer(env *envelope.Envelope) bool {
	for _, stamp := range envelope.All[envelope.SerializerStamp](env) {
		if stamp.Format() != "" {
			return true
		}
	}
	return false
}

// DetectSerializer stamps the serializer declared on the message type. An
// envelope that already names a format keeps it.
func DetectSerializer(types *messages.Registry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if !hasSerializer(env) {
				if typ, ok := types.TypeOf(env.Message()); ok && typ.Serializer != "" {
					env = env.With(envelope.NewSerializerStamp(typ.Serializer))
				}
			}
			return next(ctx, env)
		}
	}
}

// DetectProtobufSerializer selects protobuf for proto messages that reached it
// without a format.
func DetectProtobufSerializer() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if _, ok := env.Message().(proto.Message); ok && !hasSerializer(env) {
				env = env.With(envelope.NewSerializerStamp(codec.FormatProtobuf))
			}
			return next(ctx, env)
		}
	}
}

// DetectPipeline stamps the pipeline declared on the message type unless one
// is already set.
func DetectPipeline(types *messages.Registry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			if !envelope.Has[envelope.PipelineStamp](env) {
				if typ, ok := types.TypeOf(env.Message()); ok && typ.Pipeline != "" {
					env = env.With(envelope.PipelineStamp{Pipeline: typ.Pipeline})
				}
			}
			return next(ctx, env)
		}
	}
}

// Outbound returns the producer detection stages in order.
func Outbound(types *messages.Registry) []Middleware {
	return []Middleware{
		DetectSerializer(types),
		DetectProtobufSerializer(),
		DetectPipeline(types),
	}
}
