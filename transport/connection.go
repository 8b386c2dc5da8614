// Package transport implements the correlation core of the client: it turns
// calls into wire traffic over one shared connection and routes what comes
// back to the right caller.
//
//	goroutine-1 ──Request(id=1)──┐
//	goroutine-2 ──Request(id=2)──┼──→ Wire (socket, websocket, pipe, loopback) ──→ remote
//	goroutine-3 ──Install(key)───┘
//
//	reader: ←── response(id=2)  → pending[2] → goroutine-2 wakes up
//	        ←── notification(K) → listeners[K] → subscription queue
//
// Every physical transport embeds a *Mux, which owns the identifier counter,
// the pending-response table and the subscription registry. The transports
// only move bytes.
package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"muxrpc/message"
)

// SubscriptionKey identifies one push feed on a connection.
type SubscriptionKey = message.SubscriptionKey

// Connection is the capability set every transport offers.
type Connection interface {
	// IsLocal reports whether calls stay on this machine. Callers use it to
	// decide whether coalescing calls into batches is worth it.
	IsLocal() bool

	IncrementID() uint64
	NextID() message.ID

	// JSONRPCRequest dispatches one envelope and blocks until the matching
	// response arrives, the connection fails, or ctx ends.
	JSONRPCRequest(ctx context.Context, req *message.Request) (json.RawMessage, error)

	// BatchRequest dispatches reqs as one unit. Outcomes are index-aligned
	// with reqs. A non-nil error means the whole batch failed.
	BatchRequest(ctx context.Context, reqs []*message.Request) ([]Outcome, error)
}

// PubSubConnection is a Connection that also delivers push notifications.
type PubSubConnection interface {
	Connection

	// InstallListener registers a new feed under key. It fails if one is
	// already active; uninstall first.
	InstallListener(key SubscriptionKey) (*Subscription, error)

	// UninstallListener removes the feed under key. Its consumer sees
	// end-of-stream after draining buffered items.
	UninstallListener(key SubscriptionKey) error
}

// IDGenerator hands out correlation identifiers. The zero value starts at 1.
// Embed it to satisfy the IncrementID and NextID parts of Connection.
type IDGenerator struct {
	counter atomic.Uint64
}

// IncrementID returns the next counter value. Safe for concurrent use; no two
// callers ever see the same value.
func (g *IDGenerator) IncrementID() uint64 {
	return g.counter.Add(1)
}

// NextID wraps IncrementID into a numeric identifier.
func (g *IDGenerator) NextID() message.ID {
	return message.NumberID(g.IncrementID())
}
