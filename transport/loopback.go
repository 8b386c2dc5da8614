package transport

import (
	"context"
	"encoding/json"
	"errors"

	"muxrpc/message"
)

// Handler serves frames sent on a Loopback. It runs on the sender's goroutine;
// a handler that wants to answer later should keep peer and return.
type Handler func(frame []byte, peer *Peer)

// Loopback is an in-process connection. Nothing leaves the process, which
// makes it the transport of choice for embedding a server and for tests that
// need to control response order.
type Loopback struct {
	*Mux
}

type loopWire struct {
	handler Handler
	peer    *Peer
	closed  chan struct{}
}

// Peer is the remote end of a Loopback as seen by its handler.
type Peer struct {
	mux *Mux
}

// NewLoopback returns a connection whose outbound frames go to handler.
func NewLoopback(handler Handler, opts ...Option) *Loopback {
	o := newOptions(opts)
	w := &loopWire{handler: handler, closed: make(chan struct{})}
	m := newMux(w, true, o)
	w.peer = &Peer{mux: m}
	return &Loopback{Mux: m}
}

// Peer returns the handler-side end of the connection.
func (l *Loopback) Peer() *Peer {
	return l.Mux.wire.(*loopWire).peer
}

func (w *loopWire) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	w.handler(append([]byte(nil), frame...), w.peer)
	return nil
}

func (w *loopWire) Close() error {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
	return nil
}

// Reply delivers a raw frame to the connection as if it came off the wire.
func (p *Peer) Reply(frame []byte) {
	p.mux.HandleFrame(frame)
}

// Respond answers request id with result.
func (p *Peer) Respond(id message.ID, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return p.send(&message.Response{JSONRPC: message.Version, ID: id, Result: raw})
}

// RespondError answers request id with an error object.
func (p *Peer) RespondError(id message.ID, code int64, msg string) error {
	return p.send(&message.Response{
		JSONRPC: message.Version,
		ID:      id,
		Error:   &message.ErrorObject{Code: code, Message: msg},
	})
}

// Push sends a notification for key.
func (p *Peer) Push(key SubscriptionKey, value any) error {
	n, err := message.NewNotification("subscription", key, value)
	if err != nil {
		return err
	}
	return p.send(n)
}

// Drop simulates the connection going away.
func (p *Peer) Drop(cause error) {
	if cause == nil {
		cause = errors.New("peer dropped connection")
	}
	p.mux.Fail(cause)
}

func (p *Peer) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mux.HandleFrame(raw)
	return nil
}

// DecodeRequests splits an outbound frame into the requests it carries.
func DecodeRequests(frame []byte) ([]*message.Request, error) {
	var reqs []*message.Request
	if len(frame) > 0 && frame[0] == '[' {
		if err := json.Unmarshal(frame, &reqs); err != nil {
			return nil, err
		}
		return reqs, nil
	}
	var req message.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}
	return []*message.Request{&req}, nil
}

var (
	_ PubSubConnection = (*Mux)(nil)
	_ PubSubConnection = (*Loopback)(nil)
	_ PubSubConnection = (*Socket)(nil)
	_ PubSubConnection = (*WebSocket)(nil)
	_ PubSubConnection = (*Pipe)(nil)
)
