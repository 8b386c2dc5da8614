// Package codec transforms frame bodies on their way to and from a stream
// socket. Envelopes are always JSON; a codec only decides how those bytes are
// carried.
package codec

import (
	"fmt"

	"muxrpc/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   = CodecType(protocol.CodecTypeJSON)
	CodecTypeSnappy = CodecType(protocol.CodecTypeSnappy)
)

type Codec interface {
	Encode(body []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return JSONCodec{}, nil
	case CodecTypeSnappy:
		return SnappyCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported codec type %d", codecType)
	}
}

// ParseType maps a configuration name to a codec type.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "snappy":
		return CodecTypeSnappy, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// JSONCodec passes the JSON text through untouched.
// Pros: human-readable on the wire, zero CPU cost.
// Cons: large payloads (repeated field names, hex strings) are sent as-is.
type JSONCodec struct{}

func (JSONCodec) Encode(body []byte) ([]byte, error) { return body, nil }

func (JSONCodec) Decode(data []byte) ([]byte, error) { return data, nil }

func (JSONCodec) Type() CodecType { return CodecTypeJSON }
