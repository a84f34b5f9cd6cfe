package middleware

import (
	"context"
	"errors"
	"time"

	"track-rpc/codec"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware fails a call with ErrTimeout once timeout has passed. The
// wrapped handler keeps running in the background with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp codec.Writable
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
