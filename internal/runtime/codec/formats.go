package codec

import (
	"encoding/xml"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Format names understood by the default serializer.
const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
	FormatProto    = "proto"
	FormatXML      = "xml"
	FormatYAML     = "yaml"
	FormatYML      = "yml"
	FormatCSV      = "csv"
)

// ContentType maps a serialization format to the Content-Type header value.
// Unknown formats map to the empty string and the header is omitted.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case FormatJSON:
		return "application/json"
	case FormatProtobuf, FormatProto:
		return "application/protobuf"
	case FormatXML:
		return "application/xml"
	case FormatYAML, FormatYML:
		return "application/x-yaml"
	case FormatCSV:
		return "text/csv"
	default:
		return ""
	}
}

// Format turns message bodies into bytes and back. ctx is the serializer
// context collected from SerializerStamps.
type Format interface {
	Marshal(v any, ctx map[string]any) ([]byte, error)
	Unmarshal(data []byte, v any, ctx map[string]any) error
}

// Formats maps format names to implementations.
type Formats map[string]Format

// DefaultFormats returns json, protobuf, xml and yaml under all their aliases.
func DefaultFormats() Formats {
	protobuf := protobufFormat{}
	yml := yamlFormat{}
	return Formats{
		FormatJSON:     jsonFormat{},
		FormatProtobuf: protobuf,
		FormatProto:    protobuf,
		FormatXML:      xmlFormat{},
		FormatYAML:     yml,
		FormatYML:      yml,
	}
}

// Lookup returns the format registered under name, ignoring case.
func (f Formats) Lookup(name string) (Format, error) {
	if format, ok := f[strings.ToLower(name)]; ok {
		return format, nil
	}
	return nil, fmt.Errorf("%w: %q", errspkg.ErrUnsupportedFormat, name)
}

type jsonFormat struct{}

// Marshal uses protojson for protobuf messages so the JSON form follows the
// canonical protobuf mapping.
func (jsonFormat) Marshal(v any, _ map[string]any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	return MarshalJSON(v)
}

func (jsonFormat) Unmarshal(data []byte, v any, _ map[string]any) error {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, msg)
	}
	return UnmarshalJSON(data, v)
}

type protobufFormat struct{}

func (protobufFormat) Marshal(v any, _ map[string]any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (protobufFormat) Unmarshal(data []byte, v any, _ map[string]any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

type xmlFormat struct{}

func (xmlFormat) Marshal(v any, _ map[string]any) ([]byte, error) {
	return xml.Marshal(v)
}

func (xmlFormat) Unmarshal(data []byte, v any, _ map[string]any) error {
	return xml.Unmarshal(data, v)
}

type yamlFormat struct{}

func (yamlFormat) Marshal(v any, _ map[string]any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlFormat) Unmarshal(data []byte, v any, _ map[string]any) error {
	return yaml.Unmarshal(data, v)
}
