// Package codec offers payload encodings for applications built on the
// framework. The wire frame carries opaque bytes; a processor and its
// clients agree on one of these codecs for the payload itself.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
)

var ErrUnsupportedCodec = errors.New("codec: unsupported codec")

// Codec encodes and decodes one payload representation.
type Codec interface {
	// Encode encodes a value to bytes.
	Encode(v any) ([]byte, error)

	// Decode decodes bytes into v.
	Decode(data []byte, v any) error

	// Name returns the codec name.
	Name() string
}

// Type selects a codec on the wire; clients typically send it as the first
// payload byte of their protocol.
type Type byte

const (
	TypeJSON     Type = 0x01
	TypeGob      Type = 0x02
	TypeProtobuf Type = 0x03
)

// Get returns the codec for a wire type.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return JSONCodec{}, nil
	case TypeGob:
		return GobCodec{}, nil
	case TypeProtobuf:
		return ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return "json" }

// GobCodec encodes payloads with encoding/gob, for Go-to-Go traffic.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (GobCodec) Name() string { return "gob" }
