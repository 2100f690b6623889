// Package json centralizes JSON encoding behind a single implementation.
// All internal packages import this package instead of encoding/json so the
// codec can be swapped in one place.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage and Number mirror their encoding/json counterparts so callers
// never need both imports.
type (
	RawMessage = stdjson.RawMessage
	Number     = stdjson.Number
)

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return sonic.ConfigDefault.Unmarshal(data, v)
}

// MarshalIndent encodes v with the given prefix and indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.ConfigDefault.MarshalIndent(v, prefix, indent)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return sonic.ConfigDefault.Valid(data)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) sonic.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}
