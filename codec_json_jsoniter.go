//go:build jsoniter
// +build jsoniter

package cerver

import (
	jsoniter "github.com/json-iterator/go"
)

var _ Codec = &JsonCodec{}

// jsonAPI behaves like encoding/json.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JsonCodec encodes and decodes payloads as json, with json-iterator.
type JsonCodec struct{}

// Encode implements the Codec Encode method.
func (c *JsonCodec) Encode(v interface{}) ([]byte, error) {
	b, err := jsonAPI.Marshal(v)
	return b, encodeErr(CodecNameJSON, err)
}

// Decode implements the Codec Decode method.
func (c *JsonCodec) Decode(data []byte, v interface{}) error {
	return decodeErr(CodecNameJSON, jsonAPI.Unmarshal(data, v))
}
