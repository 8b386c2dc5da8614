package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"muxrpc/message"
)

// LoggingMiddleware logs each request's method, id and duration, and its
// error if it failed.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, req)
			attrs := []any{
				slog.String("method", req.Method),
				slog.String("id", req.ID.String()),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.WarnContext(ctx, "rpc failed", append(attrs, slog.String("error", err.Error()))...)
				return nil, err
			}
			logger.DebugContext(ctx, "rpc", attrs...)
			return result, nil
		}
	}
}
