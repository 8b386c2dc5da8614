package middleware

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/time/rate"

	"muxrpc/message"
	"muxrpc/transport"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware admits r requests per second with bursts of up to
// burst, using a token bucket. Excess requests fail without reaching next,
// with a *transport.TransportError wrapping ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, &transport.TransportError{Op: "rate limit " + req.Method, Err: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
