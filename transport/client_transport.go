package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"muxrpc/codec"
	"muxrpc/protocol"
)

// Socket is a multiplexed stream connection (TCP, unix socket) speaking
// protocol frames. A single reader goroutine parses frames and hands bodies to
// the Mux; writes are serialized so frames never interleave.
type Socket struct {
	*Mux
	wire *socketWire
}

type socketWire struct {
	conn      net.Conn
	codec     codec.Codec
	threshold int
	sending   sync.Mutex // req A's header + req B's body on the same stream = corruption
}

// NewSocket starts the reader and, if enabled, the heartbeat for conn.
func NewSocket(conn net.Conn, opts ...Option) (*Socket, error) {
	o := newOptions(opts)
	cdc, err := codec.GetCodec(o.codec)
	if err != nil {
		return nil, err
	}
	w := &socketWire{conn: conn, codec: cdc, threshold: o.compressThreshold}
	s := &Socket{
		Mux:  newMux(w, isLoopbackAddr(conn.RemoteAddr()), o),
		wire: w,
	}
	s.logger.Debug("socket connected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("codec", cdc.Type().String()))

	go s.recvLoop()
	if o.heartbeat > 0 {
		go s.heartbeatLoop(o.heartbeat)
	}
	return s, nil
}

// DialSocket connects to address and wraps the connection.
func DialSocket(ctx context.Context, network, address string, opts ...Option) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + address, Err: err}
	}
	s, err := NewSocket(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.wire.conn.RemoteAddr()
}

// recvLoop is the only reader of the stream: frame boundaries can only be
// found by reading sequentially.
func (s *Socket) recvLoop() {
	for {
		header, body, err := protocol.Decode(s.wire.conn)
		if err != nil {
			s.Fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			s.logger.Warn("dropping frame", slog.String("error", err.Error()))
			continue
		}
		body, err = cdc.Decode(body)
		if err != nil {
			s.logger.Warn("dropping frame", slog.String("error", err.Error()))
			continue
		}
		s.HandleFrame(body)
	}
}

// heartbeatLoop sends periodic empty frames so idle connections are not
// reaped by the peer or middleboxes.
func (s *Socket) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			if err := s.wire.write(context.Background(), protocol.MsgTypeHeartbeat, codec.JSONCodec{}, nil); err != nil {
				s.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (w *socketWire) Send(ctx context.Context, frame []byte) error {
	cdc := w.codec
	if len(frame) < w.threshold {
		cdc = codec.JSONCodec{}
	}
	return w.write(ctx, protocol.MsgTypeData, cdc, frame)
}

func (w *socketWire) write(ctx context.Context, msgType protocol.MsgType, cdc codec.Codec, frame []byte) error {
	body, err := cdc.Encode(frame)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}

	w.sending.Lock()
	defer w.sending.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(w.conn, header, body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (w *socketWire) Close() error {
	return w.conn.Close()
}

func isLoopbackAddr(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	switch addr.Network() {
	case "unix", "unixpacket", "pipe":
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return isLoopbackHost(host)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
