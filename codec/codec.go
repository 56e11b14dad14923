// Package codec converts message envelopes to and from the structured
// documents carried in frame payloads.
//
// The wire format is XML-RPC: requests and events are <methodCall>
// documents, answers are <methodResponse> documents holding either one
// <params> value or a <fault> struct. The codec never sees handles or
// frame lengths; that is the protocol package's job.
package codec

import (
	"errors"
	"fmt"

	"gbx-controller/message"
)

type CodecType byte

const (
	CodecTypeXML CodecType = 0
)

// Errors returned by decoders. All of them match ErrCodec.
var (
	ErrCodec                = errors.New("codec")
	ErrInvalidEncoding      = fmt.Errorf("%w: invalid encoding", ErrCodec)
	ErrUnsupportedConstruct = fmt.Errorf("%w: unsupported construct", ErrCodec)
	ErrMalformed            = fmt.Errorf("%w: malformed document", ErrCodec)
)

type Codec interface {
	EncodeCall(c *message.Call) ([]byte, error)
	DecodeCall(data []byte) (*message.Call, error)
	EncodeResponse(r *message.Response) ([]byte, error)
	// DecodeResponse tells a fault document from a result document before
	// decoding any value; a fault is returned in Response.Fault, never as
	// a value.
	DecodeResponse(data []byte) (*message.Response, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeXML:
		return XMLCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec type: %d", codecType)
}
