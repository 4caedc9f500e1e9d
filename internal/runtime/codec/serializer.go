// Package codec encodes envelopes into queue payloads and back: the body is
// the serialized message, the headers carry the message type, its content
// type and every sendable stamp.
package codec

import (
	"fmt"
	"slices"
	"strings"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/messages"
)

// Header names written by the serializer.
const (
	HeaderType        = "type"
	HeaderContentType = "Content-Type"
)

// Encoded is the wire form of an envelope.
type Encoded struct {
	Body    []byte
	Headers map[string]string
}

// Serializer turns envelopes into Encoded payloads and back.
type Serializer struct {
	types   *messages.Registry
	formats Formats
	stamps  *StampCodec
	format  string
}

// SerializerOption customises a Serializer.
type SerializerOption func(*Serializer)

// WithDefaultFormat sets the format used when neither a stamp nor the message
// type selects one. Defaults to json.
func WithDefaultFormat(format string) SerializerOption {
	return func(s *Serializer) {
		if format != "" {
			s.format = strings.ToLower(format)
		}
	}
}

// WithFormat registers or replaces a body format.
func WithFormat(name string, format Format) SerializerOption {
	return func(s *Serializer) {
		s.formats[strings.ToLower(name)] = format
	}
}

// WithStampCodec replaces the stamp codec.
func WithStampCodec(c *StampCodec) SerializerOption {
	return func(s *Serializer) {
		if c != nil {
			s.stamps = c
		}
	}
}

// NewSerializer builds a serializer resolving message types through types.
func NewSerializer(types *messages.Registry, opts ...SerializerOption) *Serializer {
	s := &Serializer{
		types:   types,
		formats: DefaultFormats(),
		stamps:  NewStampCodec(),
		format:  FormatJSON,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stamps exposes the stamp codec.
func (s *Serializer) Stamps() *StampCodec {
	return s.stamps
}

// DefaultFormat returns the fallback body format.
func (s *Serializer) DefaultFormat() string {
	return s.format
}

// Encode serializes env. The format is taken from the last SerializerStamp
// carrying one, then from the message type, then the serializer default.
func (s *Serializer) Encode(env *envelope.Envelope) (Encoded, error) {
	msg := env.Message()
	if msg == nil {
		return Encoded{}, errspkg.ErrMessageRequired
	}

	typ, _ := s.types.TypeOf(msg)
	format, ctx := s.formatFor(env, typ, true)

	body, err := s.body(env, msg, format, ctx)
	if err != nil {
		return Encoded{}, err
	}

	headers, err := s.stamps.Encode(env)
	if err != nil {
		return Encoded{}, err
	}
	headers[HeaderType] = s.types.NameOf(msg)
	if contentType := ContentType(format); contentType != "" {
		headers[HeaderContentType] = contentType
	}
	return Encoded{Body: body, Headers: headers}, nil
}

func (s *Serializer) body(env *envelope.Envelope, msg any, format string, ctx map[string]any) ([]byte, error) {
	if captured, ok := envelope.Last[envelope.SerializedMessageStamp](env); ok && captured.Format == format && len(captured.Body) > 0 {
		return captured.Body, nil
	}
	impl, err := s.formats.Lookup(format)
	if err != nil {
		return nil, err
	}
	body, err := impl.Marshal(msg, ctx)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", format, err)
	}
	return body, nil
}

// Decode rebuilds an envelope. Missing body, headers or type header are
// decoding failures; the type is never inferred from the body.
func (s *Serializer) Decode(enc Encoded) (*envelope.Envelope, error) {
	if len(enc.Body) == 0 {
		return nil, errspkg.NewDecodingError("encoded envelope should have a body", nil)
	}
	if len(enc.Headers) == 0 {
		return nil, errspkg.NewDecodingError("encoded envelope should have headers", nil)
	}
	name := headerValue(enc.Headers, HeaderType)
	if name == "" {
		return nil, errspkg.NewDecodingError(`encoded envelope does not have a "type" header`, nil)
	}

	stamps, err := s.stamps.Decode(enc.Headers)
	if err != nil {
		return nil, err
	}

	typ, ok := s.types.Lookup(name)
	if !ok || typ.New == nil {
		return nil, errspkg.NewDecodingError(fmt.Sprintf("message type %q", name), errspkg.ErrUnknownMessageType)
	}

	format, ctx := s.formatFor(envelope.Wrap(nil, stamps...), typ, false)
	impl, err := s.formats.Lookup(format)
	if err != nil {
		return nil, errspkg.NewDecodingError(fmt.Sprintf("message type %q", name), err)
	}
	target := typ.New()
	if err := impl.Unmarshal(enc.Body, target, ctx); err != nil {
		return nil, errspkg.NewDecodingError(fmt.Sprintf("decode %s body of %q", format, name), err)
	}

	env := envelope.Wrap(target, stamps...)
	return env.With(envelope.SerializedMessageStamp{Format: format, Body: enc.Body}), nil
}

// formatFor resolves the body format and serializer context. Earlier stamps
// take precedence unless newestFirst is set.
func (s *Serializer) formatFor(env *envelope.Envelope, typ messages.Type, newestFirst bool) (string, map[string]any) {
	ctx := map[string]any{}
	format := ""
	stamps := envelope.All[envelope.SerializerStamp](env)
	if newestFirst {
		slices.Reverse(stamps)
	}
	for _, stamp := range stamps {
		if format == "" {
			format = stamp.Format()
		}
		for k, v := range stamp.Context {
			if _, set := ctx[k]; !set {
				ctx[k] = v
			}
		}
	}
	if format == "" {
		format = typ.Serializer
	}
	if format == "" {
		format = s.format
	}
	format = strings.ToLower(format)
	ctx[envelope.SerializerContextKey] = format
	return format, ctx
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
