package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCodec compresses frame bodies with the snappy block format.
// Worth it for large results such as logs or blocks; the header's codec byte
// tells the receiver to decompress.
type SnappyCodec struct{}

func (SnappyCodec) Encode(body []byte) ([]byte, error) {
	return snappy.Encode(nil, body), nil
}

func (SnappyCodec) Decode(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy decode: %w", err)
	}
	return out, nil
}

func (SnappyCodec) Type() CodecType { return CodecTypeSnappy }
