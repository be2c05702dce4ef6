package cerver

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var _ Codec = &ProtobufCodec{}

// ProtobufCodec encodes and decodes payloads as protobuf.
// Values must implement proto.Message.
type ProtobufCodec struct{}

// Encode implements the Codec Encode method.
func (p *ProtobufCodec) Encode(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, encodeErr(CodecNameProtobuf, fmt.Errorf("v should be proto.Message but %T", v))
	}
	b, err := proto.Marshal(m)
	return b, encodeErr(CodecNameProtobuf, err)
}

// Decode implements the Codec Decode method.
func (p *ProtobufCodec) Decode(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return decodeErr(CodecNameProtobuf, fmt.Errorf("v should be proto.Message but %T", v))
	}
	return decodeErr(CodecNameProtobuf, proto.Unmarshal(data, m))
}
