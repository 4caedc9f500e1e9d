package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// StampHeaderPrefix prefixes the header that carries all stamps of one type.
const StampHeaderPrefix = "X-Message-Stamp-"

type stampDecoder func(raw []byte) ([]envelope.Stamp, error)

// StampCodec writes stamps into headers, one JSON array per stamp type, and
// reads them back. Stamp types have to be registered to be decodable.
type StampCodec struct {
	mu       sync.RWMutex
	decoders map[string]stampDecoder
}

// NewStampCodec returns a codec that knows every sendable built-in stamp.
func NewStampCodec() *StampCodec {
	c := &StampCodec{decoders: make(map[string]stampDecoder)}
	RegisterStamp[envelope.SerializerStamp](c)
	RegisterStamp[envelope.PipelineStamp](c)
	RegisterStamp[envelope.DelayStamp](c)
	RegisterStamp[envelope.OptionsStamp](c)
	RegisterStamp[envelope.HeadersStamp](c)
	RegisterStamp[envelope.RedeliveryStamp](c)
	RegisterStamp[envelope.NoAutoAckStamp](c)
	RegisterStamp[envelope.AllowMultipleHandlersStamp](c)
	RegisterStamp[envelope.ErrorDetailsStamp](c)
	return c
}

// RegisterStamp makes stamp type T decodable by c.
func RegisterStamp[T envelope.Stamp](c *StampCodec) {
	name := envelope.NameOf[T]()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[name] = func(raw []byte) ([]envelope.Stamp, error) {
		var items []T
		if err := UnmarshalJSON(raw, &items); err != nil {
			return nil, err
		}
		out := make([]envelope.Stamp, 0, len(items))
		for _, item := range items {
			out = append(out, item)
		}
		return out, nil
	}
}

// HeaderName returns the header carrying stamps named name.
func HeaderName(name string) string {
	return StampHeaderPrefix + name
}

// Encode returns one header per sendable stamp type. Values are JSON arrays in
// insertion order.
func (c *StampCodec) Encode(env *envelope.Envelope) (map[string]string, error) {
	sendable := env.WithoutNonSendable()
	headers := make(map[string]string)
	for _, name := range sendable.Names() {
		raw, err := MarshalJSON(sendable.All(name))
		if err != nil {
			return nil, fmt.Errorf("encode %s stamps: %w", name, err)
		}
		headers[HeaderName(name)] = string(raw)
	}
	return headers, nil
}

// Decode reads every stamp header. Headers are visited in sorted order so
// stamps of different types come back in a stable order; stamps of one type
// keep the order they were written in.
func (c *StampCodec) Decode(headers map[string]string) ([]envelope.Stamp, error) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if stampName(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var stamps []envelope.Stamp
	for _, key := range keys {
		name := stampName(key)
		decode, ok := c.decoder(name)
		if !ok {
			return nil, errspkg.NewDecodingError(fmt.Sprintf("stamp header %q", key), errspkg.ErrUnknownStamp)
		}
		decoded, err := decode([]byte(headers[key]))
		if err != nil {
			return nil, errspkg.NewDecodingError(fmt.Sprintf("stamp header %q", key), err)
		}
		stamps = append(stamps, decoded...)
	}
	return stamps, nil
}

// Known reports whether stamps named name can be decoded.
func (c *StampCodec) Known(name string) bool {
	_, ok := c.decoder(name)
	return ok
}

func (c *StampCodec) decoder(name string) (stampDecoder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if decode, ok := c.decoders[name]; ok {
		return decode, true
	}
	for known, decode := range c.decoders {
		if strings.EqualFold(known, name) {
			return decode, true
		}
	}
	return nil, false
}

func stampName(header string) string {
	if len(header) <= len(StampHeaderPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(StampHeaderPrefix)], StampHeaderPrefix) {
		return ""
	}
	return header[len(StampHeaderPrefix):]
}
