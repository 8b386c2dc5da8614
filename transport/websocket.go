package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// WebSocket carries one JSON-RPC frame per WebSocket message.
type WebSocket struct {
	*Mux
	wire *wsWire
}

type wsWire struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket connects to rawURL (ws:// or wss://) with the given origin.
func DialWebSocket(ctx context.Context, rawURL, origin string, opts ...Option) (*WebSocket, error) {
	cfg, err := websocket.NewConfig(rawURL, origin)
	if err != nil {
		return nil, &TransportError{Op: "dial " + rawURL, Err: err}
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, &TransportError{Op: "dial " + rawURL, Err: err}
	}
	return NewWebSocket(conn, opts...), nil
}

// NewWebSocket takes over an established connection and starts its reader.
func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	o := newOptions(opts)
	w := &wsWire{conn: conn}
	ws := &WebSocket{
		Mux:  newMux(w, isLocalURL(conn.Config().Location), o),
		wire: w,
	}
	go ws.readLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	for {
		var data []byte
		if err := websocket.Message.Receive(ws.wire.conn, &data); err != nil {
			ws.logger.Debug("websocket receive error", slog.String("error", err.Error()))
			ws.Fail(err)
			return
		}
		ws.HandleFrame(data)
	}
}

func (w *wsWire) Send(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return websocket.Message.Send(w.conn, string(frame))
}

func (w *wsWire) Close() error {
	return w.conn.Close()
}

func isLocalURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}
