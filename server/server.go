// Package server is a JSON-RPC responder over protocol frames. It exists to
// give the client transports a real peer: it answers single and batch
// requests out of order, and pushes subscription notifications.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each frame: go handleFrame (parallel processing)
//	    → codec decode → request(s) → middleware chain → reflect.Call → write response frame
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/protocol"
	"muxrpc/registry"
)

const registrationTTL = 10 // seconds; the registry keeps the lease alive

// Server registers services and answers requests for them.
type Server struct {
	mu         sync.RWMutex
	serviceMap map[string]*service // "Arith" → *service
	conns      map[*serverConn]struct{}

	listener      net.Listener
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool
	middlewares   []middleware.Middleware
	handler       middleware.Invoker
	registry      registry.Registry
	advertiseAddr string // address published to the registry; differs from ":8080"-style listen addresses
	logger        *slog.Logger
	ready         chan struct{}
}

// serverConn serializes writes on one client connection.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[*serverConn]struct{}),
		logger:     slog.Default(),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes rcvr's methods as "Type.Method".
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use adds a middleware. Middlewares run in the order they were added and
// must be added before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and handles connections until Shutdown.
// If reg is non-nil every service is registered under advertiseAddr, or the
// listener's address when advertiseAddr is empty.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	// Chain(A, B, C)(h) == A(B(C(h))): the first middleware added runs outermost.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.invoke)
	svr.listener = listener
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr

	if reg != nil {
		svr.registry = reg
		for _, name := range svr.serviceNames() {
			if err := reg.Register(context.Background(), name, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, registrationTTL); err != nil {
				listener.Close()
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}
	svr.logger.Info("rpc server listening", slog.String("addr", listener.Addr().String()))
	close(svr.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener on purpose.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address once Serve has started, or nil.
func (svr *Server) Addr() net.Addr {
	select {
	case <-svr.ready:
		return svr.listener.Addr()
	default:
		return nil
	}
}

func (svr *Server) serviceNames() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	return names
}

// handleConn reads frames sequentially, since frame boundaries can only be
// found that way, and processes each frame on its own goroutine so a slow
// method does not hold up the rest of the connection.
func (svr *Server) handleConn(conn net.Conn) {
	sc := &serverConn{conn: conn}
	svr.mu.Lock()
	svr.conns[sc] = struct{}{}
	svr.mu.Unlock()

	defer func() {
		svr.mu.Lock()
		delete(svr.conns, sc)
		svr.mu.Unlock()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			svr.logger.Debug("connection closed", slog.String("remote", conn.RemoteAddr().String()), slog.String("error", err.Error()))
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		// Shutdown flips the flag under the write lock before it waits, so
		// no Add can race with Wait.
		svr.mu.RLock()
		if svr.shutdown.Load() {
			svr.mu.RUnlock()
			svr.logger.Debug("dropping frame during shutdown", slog.String("remote", conn.RemoteAddr().String()))
			continue
		}
		svr.wg.Add(1)
		svr.mu.RUnlock()
		go svr.handleFrame(sc, header, body)
	}
}

func (svr *Server) handleFrame(sc *serverConn, header *protocol.Header, body []byte) {
	defer svr.wg.Done()

	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		svr.logger.Warn("dropping frame", slog.String("error", err.Error()))
		return
	}
	body, err = cdc.Decode(body)
	if err != nil {
		svr.logger.Warn("dropping frame", slog.String("error", err.Error()))
		return
	}

	reply, err := svr.process(context.Background(), body)
	if err != nil {
		svr.logger.Error("encode reply", slog.String("error", err.Error()))
		return
	}
	if err := sc.write(cdc, reply); err != nil {
		svr.logger.Debug("write reply", slog.String("error", err.Error()))
	}
}

// process answers one frame body, a single request or a batch.
func (svr *Server) process(ctx context.Context, body []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var reqs []json.RawMessage
		if err := json.Unmarshal(body, &reqs); err != nil {
			return json.Marshal(errorResponse(message.ID{}, message.CodeParseError, err.Error()))
		}
		if len(reqs) == 0 {
			return json.Marshal(errorResponse(message.ID{}, message.CodeInvalidRequest, "empty batch"))
		}
		resps := make([]*message.Response, len(reqs))
		var wg sync.WaitGroup
		for i, raw := range reqs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resps[i] = svr.respond(ctx, raw)
			}()
		}
		wg.Wait()
		return json.Marshal(resps)
	}
	return json.Marshal(svr.respond(ctx, body))
}

func (svr *Server) respond(ctx context.Context, raw []byte) *message.Response {
	var req message.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(message.ID{}, message.CodeParseError, err.Error())
	}
	if req.Method == "" || req.ID.IsZero() {
		return errorResponse(req.ID, message.CodeInvalidRequest, "invalid request")
	}

	result, err := svr.handler(ctx, &req)
	if err != nil {
		var obj *message.ErrorObject
		if errors.As(err, &obj) {
			return &message.Response{JSONRPC: message.Version, ID: req.ID, Error: obj}
		}
		return errorResponse(req.ID, message.CodeServerError, err.Error())
	}
	return &message.Response{JSONRPC: message.Version, ID: req.ID, Result: result}
}

func errorResponse(id message.ID, code int64, msg string) *message.Response {
	return &message.Response{
		JSONRPC: message.Version,
		ID:      id,
		Error:   &message.ErrorObject{Code: code, Message: msg},
	}
}

// invoke is the innermost handler: "Service.Method" → reflect.Call.
// Lookup and argument failures come back as *message.ErrorObject; method
// errors are returned as they are.
func (svr *Server) invoke(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	serviceName, methodName, ok := strings.Cut(req.Method, ".")
	if !ok {
		return nil, &message.ErrorObject{Code: message.CodeMethodNotFound, Message: "invalid service method format: " + req.Method}
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return nil, &message.ErrorObject{Code: message.CodeMethodNotFound, Message: "can't find service " + serviceName}
	}
	method := svc.method[methodName]
	if method == nil {
		return nil, &message.ErrorObject{Code: message.CodeMethodNotFound, Message: "can't find method " + req.Method}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, argv.Interface()); err != nil {
			return nil, &message.ErrorObject{Code: message.CodeInvalidParams, Message: err.Error()}
		}
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return nil, err
	}
	return json.Marshal(replyv.Interface())
}

// Publish pushes value to every connected client as a notification for key.
// It returns how many connections it was written to.
func (svr *Server) Publish(key message.SubscriptionKey, value any) (int, error) {
	note, err := message.NewNotification("subscription", key, value)
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(note)
	if err != nil {
		return 0, err
	}

	svr.mu.RLock()
	conns := make([]*serverConn, 0, len(svr.conns))
	for sc := range svr.conns {
		conns = append(conns, sc)
	}
	svr.mu.RUnlock()

	sent := 0
	for _, sc := range conns {
		if err := sc.write(codec.JSONCodec{}, frame); err != nil {
			svr.logger.Debug("publish", slog.String("remote", sc.conn.RemoteAddr().String()), slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return sent, nil
}

func (sc *serverConn) write(cdc codec.Codec, frame []byte) error {
	body, err := cdc.Encode(frame)
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return protocol.Encode(sc.conn, &protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   protocol.MsgTypeData,
		BodyLen:   uint32(len(body)),
	}, body)
}

// Shutdown stops the server gracefully:
//  1. deregister from the registry so clients stop picking this server
//  2. close the listener
//  3. wait for in-flight requests, up to timeout
//  4. close the remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range svr.serviceNames() {
			if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister", slog.String("service", name), slog.String("error", err.Error()))
			}
		}
		cancel()
	}

	// The flag must be set before the listener closes, or Serve would
	// report the Accept error.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	select {
	case <-svr.ready:
		svr.listener.Close()
	default:
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for sc := range svr.conns {
		sc.conn.Close()
	}
	svr.mu.Unlock()
	return err
}
