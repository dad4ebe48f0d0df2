package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

var ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

// ProtobufCodec encodes payloads as protocol buffers. Values must implement
// proto.Message.
type ProtobufCodec struct{}

func (ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.Marshal(msg)
}

func (ProtobufCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return ErrNotProtoMessage
	}
	return proto.Unmarshal(data, msg)
}

func (ProtobufCodec) Name() string { return "protobuf" }
