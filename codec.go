package cerver

import (
	"fmt"
	"strings"
)

//go:generate mockgen -destination internal/mock/codec_mock.go -package mock . Codec

// Codec encodes and decodes packet payloads for route contexts.
// Context.Bind decodes with it, Context.SetResponse encodes with it.
type Codec interface {
	// Encode encodes v into a payload.
	Encode(v interface{}) ([]byte, error)

	// Decode decodes a payload into v.
	Decode(data []byte, v interface{}) error
}

// Codec names understood by CodecByName.
const (
	CodecNameJSON     = "json"
	CodecNameMsgpack  = "msgpack"
	CodecNameProtobuf = "protobuf"
)

// CodecByName returns a fresh codec for name.
// An empty name, "none" or "raw" returns a nil Codec, payloads then stay raw bytes.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none", "raw":
		return nil, nil
	case CodecNameJSON:
		return &JsonCodec{}, nil
	case CodecNameMsgpack:
		return &MsgpackCodec{}, nil
	case CodecNameProtobuf, "pb":
		return &ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// CodecError is returned by the codecs of this package.
// It never terminates a connection, the handler decides what to answer.
type CodecError struct {
	Codec string // codec name
	Op    string // "encode" or "decode"
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s err: %s", e.Codec, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Fatal implements the Error Fatal method.
func (e *CodecError) Fatal() bool { return false }

func encodeErr(codec string, err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{Codec: codec, Op: "encode", Err: err}
}

func decodeErr(codec string, err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{Codec: codec, Op: "decode", Err: err}
}
