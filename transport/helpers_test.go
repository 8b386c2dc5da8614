package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"muxrpc/message"
)

// recorder is a Loopback handler that hands every outbound frame to the test.
type recorder struct {
	frames chan []byte
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan []byte, 256)}
}

func (r *recorder) handle(frame []byte, _ *Peer) {
	r.frames <- frame
}

func (r *recorder) next(t *testing.T) []*message.Request {
	t.Helper()
	select {
	case frame := <-r.frames:
		reqs, err := DecodeRequests(frame)
		require.NoError(t, err)
		return reqs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

func (r *recorder) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case frame := <-r.frames:
		t.Fatalf("unexpected outbound frame: %s", frame)
	case <-time.After(20 * time.Millisecond):
	}
}

func response(t *testing.T, id uint64, result any) *message.Response {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return &message.Response{JSONRPC: message.Version, ID: message.NumberID(id), Result: raw}
}

func frameOf(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func testKey(b byte) SubscriptionKey {
	var key SubscriptionKey
	for i := range key {
		key[i] = b
	}
	return key
}
