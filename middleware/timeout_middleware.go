package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"muxrpc/message"
	"muxrpc/transport"
)

var ErrTimeout = errors.New("request timed out")

// TimeoutMiddleware bounds each request to timeout. The inner invoker sees
// the shortened context; one that ignores it is abandoned when time runs out.
// Either way the caller gets a *transport.TransportError; it wraps ErrTimeout
// only when this middleware's own deadline fired.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(parent context.Context, req *message.Request) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			type result struct {
				raw json.RawMessage
				err error
			}
			done := make(chan result, 1)
			go func() {
				raw, err := next(ctx, req)
				done <- result{raw, err}
			}()

			select {
			case r := <-done:
				if errors.Is(r.err, context.DeadlineExceeded) && parent.Err() == nil {
					return nil, timeoutError(req.Method, ctx.Err())
				}
				return r.raw, r.err
			case <-ctx.Done():
				if err := parent.Err(); err != nil {
					return nil, &transport.TransportError{Op: "await " + req.Method, Err: err}
				}
				return nil, timeoutError(req.Method, ctx.Err())
			}
		}
	}
}

func timeoutError(method string, cause error) error {
	return &transport.TransportError{Op: "timeout " + method, Err: fmt.Errorf("%w: %w", ErrTimeout, cause)}
}
