// Package middleware wraps single JSON-RPC calls with cross-cutting behaviour.
// The same chain runs on the client, around a Connection, and on the server,
// around method dispatch.
package middleware

import (
	"context"
	"encoding/json"

	"muxrpc/message"
	"muxrpc/transport"
)

// Invoker performs one request and returns its raw result.
type Invoker func(ctx context.Context, req *message.Request) (json.RawMessage, error)

type Middleware func(next Invoker) Invoker

// Chain composes middlewares so the first one added runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type wrapped struct {
	transport.Connection
	invoke Invoker
}

// Wrap routes conn's single requests through middlewares. Batches and
// identifier generation go straight to conn.
func Wrap(conn transport.Connection, middlewares ...Middleware) transport.Connection {
	return &wrapped{Connection: conn, invoke: Chain(middlewares...)(conn.JSONRPCRequest)}
}

func (w *wrapped) JSONRPCRequest(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	return w.invoke(ctx, req)
}

type wrappedPubSub struct {
	transport.PubSubConnection
	invoke Invoker
}

// WrapPubSub is Wrap for push-capable connections; listener calls are not
// intercepted.
func WrapPubSub(conn transport.PubSubConnection, middlewares ...Middleware) transport.PubSubConnection {
	return &wrappedPubSub{PubSubConnection: conn, invoke: Chain(middlewares...)(conn.JSONRPCRequest)}
}

func (w *wrappedPubSub) JSONRPCRequest(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	return w.invoke(ctx, req)
}
