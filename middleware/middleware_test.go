package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxrpc/message"
	"muxrpc/transport"
)

func echoInvoker(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}

func slowInvoker(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	time.Sleep(200 * time.Millisecond)
	return json.RawMessage(`"ok"`), nil
}

func testRequest(t *testing.T) *message.Request {
	t.Helper()
	req, err := message.NewRequest(message.NumberID(1), "Arith.Add", []int{1, 2})
	require.NoError(t, err)
	return req
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	invoke := LoggingMiddleware(logger)(echoInvoker)
	raw, err := invoke(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(raw))
	assert.Contains(t, buf.String(), "method=Arith.Add")

	buf.Reset()
	failing := LoggingMiddleware(logger)(func(context.Context, *message.Request) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	_, err = failing(context.Background(), testRequest(t))
	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestTimeoutPass(t *testing.T) {
	invoke := TimeoutMiddleware(500 * time.Millisecond)(echoInvoker)
	_, err := invoke(context.Background(), testRequest(t))
	assert.NoError(t, err)
}

func TestTimeoutExceeded(t *testing.T) {
	invoke := TimeoutMiddleware(50 * time.Millisecond)(slowInvoker)
	_, err := invoke(context.Background(), testRequest(t))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var terr *transport.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	invoke := TimeoutMiddleware(time.Second)(slowInvoker)
	_, err := invoke(ctx, testRequest(t))
	var terr *transport.TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestMiddlewareErrorsAreTransportErrors(t *testing.T) {
	conn := transport.NewLoopback(func([]byte, *transport.Peer) {})
	defer conn.Close()

	timed := Wrap(conn, TimeoutMiddleware(20*time.Millisecond))
	_, err := transport.Request[string](timed, "silent", nil).Await(context.Background())
	var terr *transport.TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrTimeout)

	limited := Wrap(conn, RateLimitMiddleware(0.001, 0))
	_, err = transport.Request[string](limited, "limited", nil).Await(context.Background())
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimit(t *testing.T) {
	// One token per second with a burst of two: the third call is rejected.
	invoke := RateLimitMiddleware(1, 2)(echoInvoker)
	for i := 0; i < 2; i++ {
		_, err := invoke(context.Background(), testRequest(t))
		require.NoError(t, err, "request %d", i)
	}
	_, err := invoke(context.Background(), testRequest(t))
	assert.ErrorIs(t, err, ErrRateLimited)
	var terr *transport.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
				trace = append(trace, name+">")
				raw, err := next(ctx, req)
				trace = append(trace, "<"+name)
				return raw, err
			}
		}
	}

	invoke := Chain(mark("A"), mark("B"))(echoInvoker)
	_, err := invoke(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"A>", "B>", "<B", "<A"}, trace)
}

func TestWrapConnection(t *testing.T) {
	conn := transport.NewLoopback(func(frame []byte, peer *transport.Peer) {
		reqs, _ := transport.DecodeRequests(frame)
		for _, req := range reqs {
			peer.Respond(req.ID, req.Method)
		}
	})
	defer conn.Close()

	wrapped := Wrap(conn, RateLimitMiddleware(1, 1))
	assert.True(t, wrapped.IsLocal())

	got, err := transport.Request[string](wrapped, "first", nil).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	_, err = transport.Request[string](wrapped, "second", nil).Await(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)

	// Batches bypass the chain.
	batch := transport.NewBatch(wrapped)
	batch.Add("b", nil)
	out, err := batch.Await(context.Background())
	require.NoError(t, err)
	var s string
	require.NoError(t, out[0].Decode(&s))
	assert.Equal(t, "b", s)
}

func TestWrapPubSubKeepsListeners(t *testing.T) {
	conn := transport.NewLoopback(func([]byte, *transport.Peer) {})
	defer conn.Close()

	var key message.SubscriptionKey
	key[0] = 1
	wrapped := WrapPubSub(conn, TimeoutMiddleware(20*time.Millisecond))

	sub, err := wrapped.InstallListener(key)
	require.NoError(t, err)
	require.NoError(t, conn.Peer().Push(key, "hi"))
	raw, err := sub.Recv(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(raw))
	require.NoError(t, wrapped.UninstallListener(key))

	_, err = transport.Request[string](wrapped, "never", nil).Await(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	require.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
