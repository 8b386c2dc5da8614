package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{CodecType: CodecTypeJSON, MsgType: MsgTypeData}
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"foo"}`)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, decoded.CodecType)
	assert.Equal(t, MsgTypeData, decoded.MsgType)
	assert.Equal(t, uint32(len(body)), decoded.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeData}, []byte("first")))
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil))
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeSnappy, MsgType: MsgTypeData}, []byte("third")))

	_, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, h.MsgType)
	assert.Empty(t, body)

	h, body, err = Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeSnappy, h.CodecType)
	assert.Equal(t, "third", string(body))

	_, _, err = Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeData), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, CodecTypeJSON, byte(MsgTypeData), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeUnknownCodec(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 0x7F, byte(MsgTypeData), 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec type")
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeData), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[6:10], MaxBodyLen+1)
	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeData}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
