// Package client issues calls to servers over pooled, multiplexed connections.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"track-rpc/codec"
	"track-rpc/transport"
)

const DefaultTimeout = 10 * time.Second

type Client struct {
	timeout time.Duration
	logger  *slog.Logger
	reg     *codec.Registry
	pool    *transport.Pool
}

type Option func(*options)

type options struct {
	timeout     time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	reg         *codec.Registry
	dialer      transport.Dialer
}

// WithTimeout sets how long a call may stay idle before it fails with
// transport.ErrResponseTimeout. It also bounds dialing.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithIdleTimeout closes pooled connections that carried no calls for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the value registry used to encode requests and decode replies.
func WithRegistry(reg *codec.Registry) Option {
	return func(o *options) { o.reg = reg }
}

func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New returns a Client whose replies all decode as responseType.
func New(responseType codec.Type, opts ...Option) *Client {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.reg == nil {
		o.reg = codec.NewRegistry()
	}

	return &Client{
		timeout: o.timeout,
		logger:  o.logger,
		reg:     o.reg,
		pool: transport.NewPool(transport.Config{
			Registry:     o.reg,
			ResponseType: responseType,
			IdleTimeout:  o.idleTimeout,
			Dialer:       o.dialer,
			Logger:       o.logger,
		}),
	}
}

// Registry returns the value registry the client encodes and decodes with.
func (c *Client) Registry() *codec.Registry {
	return c.reg
}

// send gets the pooled connection for endpoint and writes call on it. A
// connection closed between Get and Send (an idle teardown) is replaced once.
func (c *Client) send(ctx context.Context, call *transport.Call, endpoint string) (*transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		conn, err := c.pool.Get(dialCtx, endpoint)
		if err != nil {
			return nil, err
		}
		err = conn.Send(call)
		if err == nil {
			return conn, nil
		}
		if attempt > 0 || !errors.Is(err, net.ErrClosed) {
			return nil, err
		}
	}
}

// Call sends req to endpoint and waits for its reply.
func (c *Client) Call(ctx context.Context, req codec.Writable, endpoint string) (codec.Writable, error) {
	call := transport.NewCall(req)
	conn, err := c.send(ctx, call, endpoint)
	if err != nil {
		return nil, err
	}
	return conn.Wait(ctx, call, c.timeout)
}

// CallParallel sends reqs[i] to endpoints[i] concurrently and waits for all
// of them under one shared timeout, dialing included. Slot i of the result holds the reply from
// endpoints[i], or nil when that endpoint could not be reached, failed or did
// not answer in time. It fails only when no endpoint replied at all.
func (c *Client) CallParallel(ctx context.Context, reqs []codec.Writable, endpoints []string) ([]codec.Writable, error) {
	if len(reqs) != len(endpoints) {
		return nil, fmt.Errorf("client: %d requests for %d endpoints", len(reqs), len(endpoints))
	}
	results := make([]codec.Writable, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		replied int
	)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call := transport.NewCall(reqs[i])
			conn, err := c.send(ctx, call, endpoints[i])
			if err != nil {
				// An endpoint that cannot even be reached only shrinks the batch.
				c.logger.Warn("fan-out call not sent", "endpoint", endpoints[i], "err", err)
				return
			}

			select {
			case <-call.Done():
			case <-ctx.Done():
				if conn.Abandon(call) {
					return
				}
				<-call.Done()
			}

			mu.Lock()
			defer mu.Unlock()
			var remote *transport.RemoteError
			switch {
			case call.Err == nil:
				results[i] = call.Response
				replied++
			case errors.As(call.Err, &remote):
				replied++
				c.logger.Debug("fan-out call failed remotely", "endpoint", endpoints[i], "err", call.Err)
			default:
				c.logger.Debug("fan-out call failed", "endpoint", endpoints[i], "err", call.Err)
			}
		}(i)
	}
	wg.Wait()

	if replied == 0 {
		return nil, transport.ErrNoResponses
	}
	return results, nil
}

// Close tears down every pooled connection. Later calls fail with
// transport.ErrClientClosed.
func (c *Client) Close() error {
	return c.pool.Close()
}
