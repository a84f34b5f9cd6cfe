package middleware

import (
	"context"
	"log/slog"
	"time"

	"track-rpc/codec"
)

// LoggingMiddleware logs every call with its duration, and its error if any.
// A nil logger uses slog.Default().
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"method", CallName(req),
				"duration", time.Since(start),
			}
			if id := ServerID(ctx); id != "" {
				attrs = append(attrs, "server_id", id)
			}
			if err != nil {
				logger.WarnContext(ctx, "call failed", append(attrs, "err", err)...)
			} else {
				logger.InfoContext(ctx, "call handled", attrs...)
			}
			return resp, err
		}
	}
}
