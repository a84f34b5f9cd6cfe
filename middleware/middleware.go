// Package middleware wraps the call(request) -> response contract with
// cross-cutting behavior. The same HandlerFunc shape serves the server's
// handler chain and a client-bound caller, so Chain composes either side.
package middleware

import (
	"context"
	"fmt"

	"track-rpc/codec"
)

type HandlerFunc func(ctx context.Context, req codec.Writable) (codec.Writable, error)

// Call makes a HandlerFunc usable wherever a handler interface is expected.
func (f HandlerFunc) Call(ctx context.Context, req codec.Writable) (codec.Writable, error) {
	return f(ctx, req)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type serverIDKey struct{}

// WithServerID returns a context carrying the id of the server handling the call.
func WithServerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, serverIDKey{}, id)
}

// ServerID returns the id stored by WithServerID, or "".
func ServerID(ctx context.Context) string {
	id, _ := ctx.Value(serverIDKey{}).(string)
	return id
}

// CallName names a request for logs and spans: the method of an invocation,
// otherwise the Go type of the request.
func CallName(req codec.Writable) string {
	if n, ok := req.(interface{ MethodName() string }); ok {
		return n.MethodName()
	}
	return fmt.Sprintf("%T", req)
}
