package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"track-rpc/codec"
	"track-rpc/transport"
)

// RetryMiddleware retries client-side calls that failed locally with a
// response timeout or a connection failure, backing off exponentially from
// baseDelay. Remote errors are returned at once; the handler ran and failed.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && retryable(err); i++ {
				slog.WarnContext(ctx, "retrying call", "method", CallName(req), "attempt", i+1, "err", err)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, transport.ErrResponseTimeout) || errors.Is(err, transport.ErrConnection)
}
