package server

import (
	"log/slog"
	"time"

	"track-rpc/codec"
	"track-rpc/middleware"
	"track-rpc/registry"
)

type Option func(*options)

type options struct {
	handlerCount int
	maxQueued    int
	idleTimeout  time.Duration
	gracePeriod  time.Duration
	logger       *slog.Logger
	reg          *codec.Registry
	middlewares  []middleware.Middleware
	discovery    *discovery
}

type discovery struct {
	reg       registry.Registry
	service   string
	advertise string
	ttl       int64
}

// WithHandlerCount sets how many goroutines run handlers. Defaults to 1.
func WithHandlerCount(n int) Option {
	return func(o *options) { o.handlerCount = n }
}

// WithMaxQueuedCalls bounds the call queue shared by all connections.
// Defaults to the handler count.
func WithMaxQueuedCalls(n int) Option {
	return func(o *options) { o.maxQueued = n }
}

// WithIdleTimeout sets how long a connection read waits before it rechecks
// whether the server is still running.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithGracePeriod bounds how long Stop waits for running handlers.
// Defaults to the idle timeout.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the value registry requests are decoded with.
func WithRegistry(reg *codec.Registry) Option {
	return func(o *options) { o.reg = reg }
}

// WithMiddleware appends middlewares to the handler chain, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithDiscovery announces the server as an instance of service on Start and
// withdraws it on Stop. An empty advertiseAddr uses the bound address, which
// is only routable when the server listens on a concrete IP.
func WithDiscovery(reg registry.Registry, service, advertiseAddr string, ttl int64) Option {
	return func(o *options) {
		o.discovery = &discovery{reg: reg, service: service, advertise: advertiseAddr, ttl: ttl}
	}
}
