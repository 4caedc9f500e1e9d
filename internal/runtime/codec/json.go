package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var jsonConfig = sonic.ConfigStd

// MarshalJSON encodes v with the shared sonic configuration.
func MarshalJSON(v any) ([]byte, error) {
	return jsonConfig.Marshal(v)
}

// UnmarshalJSON decodes data into v with the shared sonic configuration.
func UnmarshalJSON(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

// EncodeJSON streams v to w.
func EncodeJSON(w io.Writer, v any) error {
	return jsonConfig.NewEncoder(w).Encode(v)
}

// DecodeJSON reads one JSON value from r into v.
func DecodeJSON(r io.Reader, v any) error {
	return jsonConfig.NewDecoder(r).Decode(v)
}
