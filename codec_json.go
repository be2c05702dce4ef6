//go:build !jsoniter
// +build !jsoniter

package cerver

import (
	"encoding/json"
)

var _ Codec = &JsonCodec{}

// JsonCodec encodes and decodes payloads as json.
// Build with the jsoniter tag to switch to json-iterator.
type JsonCodec struct{}

// Encode implements the Codec Encode method.
func (c *JsonCodec) Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, encodeErr(CodecNameJSON, err)
}

// Decode implements the Codec Decode method.
func (c *JsonCodec) Decode(data []byte, v interface{}) error {
	return decodeErr(CodecNameJSON, json.Unmarshal(data, v))
}
