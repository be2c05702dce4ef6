package cerver

import (
	"github.com/vmihailenco/msgpack/v5"
)

var _ Codec = &MsgpackCodec{}

// MsgpackCodec encodes and decodes payloads as msgpack.
type MsgpackCodec struct{}

// Encode implements the Codec Encode method.
func (m *MsgpackCodec) Encode(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	return b, encodeErr(CodecNameMsgpack, err)
}

// Decode implements the Codec Decode method.
func (m *MsgpackCodec) Decode(data []byte, v interface{}) error {
	return decodeErr(CodecNameMsgpack, msgpack.Unmarshal(data, v))
}
