package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"muxrpc/message"
)

// CallState is where a Call is in its single-shot lifecycle.
type CallState int32

const (
	CallConstructed CallState = iota
	CallDispatched
	CallSettled
)

func (s CallState) String() string {
	switch s {
	case CallConstructed:
		return "constructed"
	case CallDispatched:
		return "dispatched"
	case CallSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Call is one lazily-dispatched request. Building it does no I/O; the first
// Await sends the request and waits for its response. A settled Call keeps its
// outcome forever: to retry, build a new Call, which gets a new identifier.
type Call[Resp any] struct {
	conn   Connection
	id     message.ID
	method string
	req    *message.Request
	err    error // params encoding failure, reported by Await

	once   sync.Once
	state  atomic.Int32
	result Resp
	failed error
}

// Request builds a Call for method on conn with a fresh identifier.
func Request[Resp any](conn Connection, method string, params any) *Call[Resp] {
	id := conn.NextID()
	req, err := message.NewRequest(id, method, params)
	return &Call[Resp]{conn: conn, id: id, method: method, req: req, err: err}
}

func (c *Call[Resp]) ID() message.ID { return c.id }

func (c *Call[Resp]) Method() string { return c.method }

func (c *Call[Resp]) State() CallState { return CallState(c.state.Load()) }

// Envelope returns the request that Await sends, or nil if params could not
// be encoded.
func (c *Call[Resp]) Envelope() *message.Request { return c.req }

// Await dispatches the request on first use and returns the decoded result.
// Errors are *TransportError, *ApplicationError or *DecodeError.
// Cancelling ctx before the response arrives settles the Call with a
// TransportError and frees its pending slot.
//
// Concurrent Await calls share the single dispatch; later callers wait for
// the first one regardless of their own ctx.
func (c *Call[Resp]) Await(ctx context.Context) (Resp, error) {
	c.once.Do(func() {
		c.result, c.failed = c.run(ctx)
		c.state.Store(int32(CallSettled))
	})
	return c.result, c.failed
}

func (c *Call[Resp]) run(ctx context.Context) (Resp, error) {
	var zero Resp
	if c.err != nil {
		return zero, &TransportError{Op: "encode " + c.method, Err: c.err}
	}

	c.state.Store(int32(CallDispatched))
	raw, err := c.conn.JSONRPCRequest(ctx, c.req)
	if err != nil {
		return zero, err
	}

	var out Resp
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &DecodeError{ID: c.id, Method: c.method, Raw: raw, Err: err}
	}
	return out, nil
}
