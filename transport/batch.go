package transport

import (
	"context"
	"encoding/json"
	"sync"

	"muxrpc/message"
)

// Outcome is the result of one request inside a batch.
type Outcome struct {
	ID     message.ID
	Method string
	Result json.RawMessage
	Err    error // *ApplicationError when the remote side rejected this item
}

// Decode unmarshals the result into v, or returns the item's error.
func (o Outcome) Decode(v any) error {
	if o.Err != nil {
		return o.Err
	}
	if err := json.Unmarshal(o.Result, v); err != nil {
		return &DecodeError{ID: o.ID, Method: o.Method, Raw: o.Result, Err: err}
	}
	return nil
}

// Batch collects requests and sends them as one unit on first Await.
type Batch struct {
	conn Connection

	mu         sync.Mutex
	reqs       []*message.Request
	err        error
	dispatched bool

	once     sync.Once
	outcomes []Outcome
	failed   error
}

func NewBatch(conn Connection) *Batch {
	return &Batch{conn: conn}
}

// Add appends a request with a fresh identifier and returns its index in the
// outcome slice. An encoding failure is remembered and fails Await. Add
// after dispatch returns -1 and changes nothing.
func (b *Batch) Add(method string, params any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatched {
		return -1
	}
	req, err := message.NewRequest(b.conn.NextID(), method, params)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return -1
	}
	b.reqs = append(b.reqs, req)
	return len(b.reqs) - 1
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

// Requests returns the envelopes collected so far.
func (b *Batch) Requests() []*message.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Request(nil), b.reqs...)
}

// Await dispatches the batch once and returns outcomes aligned with Add order.
func (b *Batch) Await(ctx context.Context) ([]Outcome, error) {
	b.once.Do(func() {
		b.mu.Lock()
		reqs, err := b.reqs, b.err
		b.dispatched = true
		b.mu.Unlock()

		if err != nil {
			b.failed = &TransportError{Op: "encode batch", Err: err}
			return
		}
		b.outcomes, b.failed = b.conn.BatchRequest(ctx, reqs)
	})
	return b.outcomes, b.failed
}
