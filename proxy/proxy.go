// Package proxy turns method calls into Invocations and back.
//
// Client side, an Invoker is the single gateway every proxied operation goes
// through:
//
//	sum, err := proxy.Call[int64](ctx, inv, "Add", int64(1), int64(2))
//
// Server side, a Dispatcher binds to an implementation and serves the
// Invocations it receives. Results travel as ObjectWritable, so the caller
// decodes them without knowing the method signature in advance.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"track-rpc/client"
	"track-rpc/codec"
	"track-rpc/message"
	"track-rpc/middleware"
	"track-rpc/registry"
	"track-rpc/server"
)

// ErrNoSuchMethod is returned by a Dispatcher for an Invocation whose method
// name and parameter types match no method. Callers see it as a remote error.
var ErrNoSuchMethod = errors.New("proxy: no such method")

// NewClient returns a client that decodes replies as ObjectWritable results.
func NewClient(opts ...client.Option) *client.Client {
	c := client.New(codec.TypeObjectWritable, opts...)
	message.Register(c.Registry())
	return c
}

// NewServer serves the exported methods of impl on addr. reg may be nil; it
// must hold every Writable type the methods take or return.
func NewServer(impl any, addr string, reg *codec.Registry, opts ...server.Option) (*server.Server, error) {
	if reg == nil {
		reg = codec.NewRegistry()
	}
	message.Register(reg)
	d, err := NewDispatcher(impl, reg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, server.WithRegistry(reg))
	return server.New(addr, message.TypeInvocation, d, opts...), nil
}

// NewInvocation builds the Invocation for method(args...). Parameter types are
// taken from the runtime type of each argument; wrap an argument in a
// codec.ObjectWritable to declare its type explicitly, which is the only way
// to send a nil.
func NewInvocation(reg *codec.Registry, method string, args ...any) (*message.Invocation, error) {
	types := make([]codec.Type, len(args))
	params := make([]any, len(args))
	for i, arg := range args {
		switch a := arg.(type) {
		case *codec.ObjectWritable:
			types[i], params[i] = a.DeclaredType(), a.Get()
		case nil:
			return nil, fmt.Errorf("proxy: %s argument %d is nil; declare its type with codec.ObjectWritable", method, i)
		default:
			t, err := reg.TypeOf(arg)
			if err != nil {
				return nil, fmt.Errorf("proxy: %s argument %d: %w", method, i, err)
			}
			types[i], params[i] = t, arg
		}
	}
	return message.NewInvocation(method, types, params), nil
}

// Invoker forwards method calls to one endpoint.
type Invoker struct {
	c        *client.Client
	endpoint string
	call     middleware.HandlerFunc
}

// NewInvoker returns an Invoker for endpoint. c must decode replies as
// ObjectWritable, as the clients from NewClient do. mws wrap every call.
func NewInvoker(c *client.Client, endpoint string, mws ...middleware.Middleware) *Invoker {
	send := func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
		return c.Call(ctx, req, endpoint)
	}
	return &Invoker{
		c:        c,
		endpoint: endpoint,
		call:     middleware.Chain(mws...)(send),
	}
}

func (iv *Invoker) Endpoint() string {
	return iv.endpoint
}

// Invoke calls method with args and returns the decoded result, nil for a
// void method. A failure inside the remote method is a transport.RemoteError.
func (iv *Invoker) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	inv, err := NewInvocation(iv.c.Registry(), method, args...)
	if err != nil {
		return nil, err
	}
	resp, err := iv.call(ctx, inv)
	if err != nil {
		return nil, err
	}
	return unwrap(resp)
}

// Call invokes method and converts its result to T.
func Call[T any](ctx context.Context, iv *Invoker, method string, args ...any) (T, error) {
	var zero T
	v, err := iv.Invoke(ctx, method, args...)
	if err != nil || v == nil {
		return zero, err
	}
	return as[T](v)
}

// CallParallel invokes method on every endpoint at once, with params[i] as
// the arguments for endpoints[i], under the client's timeout for the whole
// batch. Slot i holds the result from endpoints[i], nil when it did not reply
// or failed. It fails only if no endpoint replied.
func CallParallel(ctx context.Context, c *client.Client, method string, params [][]any, endpoints []string) ([]any, error) {
	if len(params) != len(endpoints) {
		return nil, fmt.Errorf("proxy: %d parameter lists for %d endpoints", len(params), len(endpoints))
	}
	reqs := make([]codec.Writable, len(params))
	for i, args := range params {
		inv, err := NewInvocation(c.Registry(), method, args...)
		if err != nil {
			return nil, err
		}
		reqs[i] = inv
	}

	resps, err := c.CallParallel(ctx, reqs, endpoints)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(resps))
	for i, resp := range resps {
		if resp == nil {
			continue
		}
		if results[i], err = unwrap(resp); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// CallDiscovered invokes method with the same args on every instance of
// service found in reg. It returns the results with the endpoint each slot
// was sent to.
func CallDiscovered(ctx context.Context, c *client.Client, reg registry.Registry, service, method string, args ...any) ([]any, []string, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: discover %s: %w", service, err)
	}
	if len(instances) == 0 {
		return nil, nil, fmt.Errorf("proxy: no instances of %s", service)
	}

	endpoints := make([]string, len(instances))
	params := make([][]any, len(instances))
	for i, inst := range instances {
		endpoints[i] = inst.Addr
		params[i] = args
	}
	results, err := CallParallel(ctx, c, method, params, endpoints)
	return results, endpoints, err
}

func unwrap(resp codec.Writable) (any, error) {
	ow, ok := resp.(*codec.ObjectWritable)
	if !ok {
		return nil, fmt.Errorf("proxy: unexpected response %T", resp)
	}
	return ow.Get(), nil
}

func as[T any](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}
	rv, err := convert(reflect.ValueOf(v), reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("proxy: result: %w", err)
	}
	return rv.Interface().(T), nil
}
