package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"muxrpc/message"
)

// Wire is the physical transport under a Mux: it accepts one outbound frame
// at a time. Inbound frames are pushed into the Mux by the transport's reader
// through HandleFrame, and read failures through Fail.
type Wire interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Mux correlates responses with requests and routes notifications to
// listeners for one Wire. It implements PubSubConnection.
type Mux struct {
	IDGenerator

	wire         Wire
	local        bool
	batchFraming bool
	logger       *slog.Logger

	pending   *pendingTable
	listeners *Registry

	failOnce  sync.Once
	done      chan struct{}
	err       error // set once before done is closed
	closeOnce sync.Once
	closeErr  error
}

// NewMux wires a correlation engine on top of wire. local is the transport's
// own locality guess; WithLocal overrides it.
func NewMux(wire Wire, local bool, opts ...Option) *Mux {
	return newMux(wire, local, newOptions(opts))
}

func newMux(wire Wire, local bool, o *options) *Mux {
	return &Mux{
		wire:         wire,
		local:        o.isLocal(local),
		batchFraming: o.batchFraming,
		logger:       o.logger.With(slog.String("conn_id", uuid.NewString())),
		pending:      newPendingTable(),
		listeners:    NewRegistry(),
		done:         make(chan struct{}),
	}
}

func (m *Mux) IsLocal() bool { return m.local }

// JSONRPCRequest registers req's identifier, writes the envelope and waits for
// the matching response. Cancelling ctx frees the pending slot; the request
// may still have reached the remote side.
func (m *Mux) JSONRPCRequest(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	s, err := m.pending.insert(req.ID, req.Method)
	if err != nil {
		return nil, err
	}

	frame, err := json.Marshal(req)
	if err != nil {
		m.pending.remove(req.ID, s)
		return nil, &TransportError{Op: "encode " + req.Method, Err: err}
	}
	if err := m.wire.Send(ctx, frame); err != nil {
		m.pending.remove(req.ID, s)
		return nil, &TransportError{Op: "send " + req.Method, Err: err}
	}

	st, err := m.wait(ctx, req.ID, s)
	if err != nil {
		return nil, err
	}
	if st.resp.IsError() {
		return nil, newApplicationError(req.ID, req.Method, st.resp.Error)
	}
	return st.resp.Result, nil
}

func (m *Mux) wait(ctx context.Context, id message.ID, s *slot) (settlement, error) {
	select {
	case st := <-s.ch:
		if st.err != nil {
			return st, st.err
		}
		return st, nil
	case <-ctx.Done():
		m.pending.remove(id, s)
		return settlement{}, &TransportError{Op: "await " + s.method, Err: ctx.Err()}
	}
}

// BatchRequest sends reqs together and returns one outcome per request in
// input order, whatever order the responses arrive in. Application errors are
// reported per outcome; a transport failure fails the whole batch.
func (m *Mux) BatchRequest(ctx context.Context, reqs []*message.Request) ([]Outcome, error) {
	if len(reqs) == 0 {
		return []Outcome{}, nil
	}

	slots := make([]*slot, 0, len(reqs))
	release := func() {
		for i, s := range slots {
			m.pending.remove(reqs[i].ID, s)
		}
	}
	for _, req := range reqs {
		s, err := m.pending.insert(req.ID, req.Method)
		if err != nil {
			release()
			return nil, err
		}
		slots = append(slots, s)
	}

	if err := m.sendBatch(ctx, reqs); err != nil {
		release()
		return nil, err
	}

	outcomes := make([]Outcome, len(reqs))
	for i, s := range slots {
		st, err := m.wait(ctx, reqs[i].ID, s)
		if err != nil {
			release()
			return nil, err
		}
		outcomes[i] = Outcome{ID: reqs[i].ID, Method: reqs[i].Method}
		if st.resp.IsError() {
			outcomes[i].Err = newApplicationError(reqs[i].ID, reqs[i].Method, st.resp.Error)
		} else {
			outcomes[i].Result = st.resp.Result
		}
	}
	return outcomes, nil
}

func (m *Mux) sendBatch(ctx context.Context, reqs []*message.Request) error {
	if m.batchFraming {
		frame, err := message.EncodeBatch(reqs)
		if err != nil {
			return &TransportError{Op: "encode batch", Err: err}
		}
		if err := m.wire.Send(ctx, frame); err != nil {
			return &TransportError{Op: "send batch", Err: err}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		g.Go(func() error {
			frame, err := json.Marshal(req)
			if err != nil {
				return &TransportError{Op: "encode " + req.Method, Err: err}
			}
			if err := m.wire.Send(gctx, frame); err != nil {
				return &TransportError{Op: "send " + req.Method, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Mux) InstallListener(key SubscriptionKey) (*Subscription, error) {
	sub, err := m.listeners.Install(key)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("listener installed", slog.String("key", key.String()))
	return sub, nil
}

func (m *Mux) UninstallListener(key SubscriptionKey) error {
	if err := m.listeners.Uninstall(key); err != nil {
		return err
	}
	m.logger.Debug("listener uninstalled", slog.String("key", key.String()))
	return nil
}

// HandleFrame routes one inbound frame. Called by the transport's reader;
// it never blocks on a caller or a subscriber.
func (m *Mux) HandleFrame(raw []byte) {
	in, err := message.Parse(raw)
	if err != nil {
		m.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
		return
	}
	for _, err := range in.Dropped {
		m.logger.Warn("dropping batch item", slog.String("error", err.Error()))
	}

	if n := in.Notification; n != nil {
		if !m.listeners.Deliver(n.Params.Subscription, n.Params.Result) {
			m.logger.Debug("dropping notification without listener", slog.String("key", n.Params.Subscription.String()))
		}
		return
	}

	for _, resp := range in.Responses {
		if !m.pending.resolve(resp) {
			m.logger.Debug("dropping response without pending request", slog.String("id", resp.ID.String()))
		}
	}
}

// Fail marks the connection dead: every pending call resolves with a
// TransportError and every subscription ends. Only the first call has effect.
func (m *Mux) Fail(cause error) {
	m.failOnce.Do(func() {
		m.err = &TransportError{Op: "connection", Err: cause}
		calls := m.pending.failAll(m.err)
		subs := m.listeners.CloseAll(m.err)
		close(m.done)
		m.logger.Debug("connection failed",
			slog.String("error", cause.Error()),
			slog.Int("pending", calls),
			slog.Int("listeners", subs))
	})
}

// Close fails outstanding work with ErrClosed and closes the wire.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		m.Fail(ErrClosed)
		if err := m.wire.Close(); err != nil {
			m.closeErr = fmt.Errorf("transport: close: %w", err)
		}
	})
	return m.closeErr
}

// Done is closed once the connection has failed or been closed.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the failure that closed the connection, or nil while it is alive.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Pending returns the number of requests waiting for a response.
func (m *Mux) Pending() int { return m.pending.Len() }

// Listeners returns the number of active subscriptions.
func (m *Mux) Listeners() int { return m.listeners.Len() }

func (m *Mux) Logger() *slog.Logger { return m.logger }
