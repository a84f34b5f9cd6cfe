package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"track-rpc/codec"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// r is the sustained rate per second, burst the bucket size. Calls beyond it
// fail with ErrRateLimited instead of queueing.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
