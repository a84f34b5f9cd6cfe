package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"track-rpc/client"
	"track-rpc/codec"
	"track-rpc/message"
	"track-rpc/middleware"
	"track-rpc/registry"
	"track-rpc/server"
	"track-rpc/transport"
)

// ---- 测试用的服务 ----

type Arith struct {
	resets atomic.Int32
}

func (a *Arith) Add(x, y int64) int64 {
	return x + y
}

func (a *Arith) Multiply(ctx context.Context, x, y int64) (int64, error) {
	if middleware.ServerID(ctx) == "" {
		return 0, errors.New("missing server id")
	}
	return x * y, nil
}

func (a *Arith) Divide(x, y int64) (int64, error) {
	if y == 0 {
		return 0, errors.New("divide by zero")
	}
	return x / y, nil
}

func (a *Arith) Echo(s string) string {
	return s
}

func (a *Arith) Upper(words []*codec.Text) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToUpper(w.String())
	}
	return out
}

func (a *Arith) Greet(name *codec.Text) *codec.Text {
	if name == nil {
		return codec.NewText("hello, nobody")
	}
	return codec.NewText("hello, " + name.String())
}

func (a *Arith) Count(n int32) int32 {
	return n
}

func (a *Arith) Reset() {
	a.resets.Add(1)
}

// Weird has no wire type for int and is not served.
func (a *Arith) Weird(x int) int {
	return x
}

func startArith(t testing.TB, impl *Arith, opts ...server.Option) *server.Server {
	t.Helper()
	opts = append([]server.Option{server.WithHandlerCount(4), server.WithIdleTimeout(100 * time.Millisecond)}, opts...)
	svr, err := NewServer(impl, "127.0.0.1:0", nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svr.Stop)
	return svr
}

func newClient(t testing.TB) *client.Client {
	c := NewClient(client.WithTimeout(2 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestProxyCall(t *testing.T) {
	impl := &Arith{}
	svr := startArith(t, impl)
	iv := NewInvoker(newClient(t), svr.Addr())
	ctx := context.Background()

	sum, err := Call[int64](ctx, iv, "Add", int64(1), int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if sum != 3 {
		t.Fatalf("Add: expect 3, got %d", sum)
	}

	product, err := Call[int64](ctx, iv, "Multiply", int64(4), int64(6))
	if err != nil {
		t.Fatal(err)
	}
	if product != 24 {
		t.Fatalf("Multiply: expect 24, got %d", product)
	}

	if s, err := Call[string](ctx, iv, "Echo", "héllo wörld"); err != nil || s != "héllo wörld" {
		t.Fatalf("Echo: got %q, %v", s, err)
	}

	words := []*codec.Text{codec.NewText("a"), codec.NewText("bc")}
	upper, err := Call[[]string](ctx, iv, "Upper", words)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(upper, []string{"A", "BC"}) {
		t.Fatalf("Upper: got %v", upper)
	}

	greeting, err := Call[*codec.Text](ctx, iv, "Greet", codec.NewText("go"))
	if err != nil || greeting.String() != "hello, go" {
		t.Fatalf("Greet: got %v, %v", greeting, err)
	}
	nobody, err := Call[*codec.Text](ctx, iv, "Greet", codec.NewObjectWritable(codec.TypeText, nil))
	if err != nil || nobody.String() != "hello, nobody" {
		t.Fatalf("Greet(nil): got %v, %v", nobody, err)
	}

	v, err := iv.Invoke(ctx, "Reset")
	if err != nil || v != nil {
		t.Fatalf("Reset: expect nil result, got %v, %v", v, err)
	}
	if impl.resets.Load() != 1 {
		t.Fatalf("expect Reset to run once, ran %d", impl.resets.Load())
	}
}

func TestProxyRemoteError(t *testing.T) {
	svr := startArith(t, &Arith{})
	iv := NewInvoker(newClient(t), svr.Addr())

	_, err := Call[int64](context.Background(), iv, "Divide", int64(1), int64(0))
	if !errors.Is(err, transport.ErrRemote) {
		t.Fatalf("expect remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "divide by zero") {
		t.Fatalf("expect original error text, got %v", err)
	}
}

func TestProxyNoSuchMethod(t *testing.T) {
	svr := startArith(t, &Arith{})
	iv := NewInvoker(newClient(t), svr.Addr())
	ctx := context.Background()

	for _, tc := range []struct {
		method string
		args   []any
	}{
		{"Missing", nil},
		{"Add", []any{"1", "2"}},
		{"Add", []any{int64(1)}},
		{"Weird", []any{int32(1)}},
	} {
		_, err := iv.Invoke(ctx, tc.method, tc.args...)
		if !errors.Is(err, transport.ErrRemote) || !strings.Contains(err.Error(), "no such method") {
			t.Errorf("%s%v: expect no such method, got %v", tc.method, tc.args, err)
		}
	}
}

// The int primitive carries no body on the wire, so it always arrives as 0.
func TestProxyIntGap(t *testing.T) {
	svr := startArith(t, &Arith{})
	iv := NewInvoker(newClient(t), svr.Addr())

	n, err := Call[int32](context.Background(), iv, "Count", int32(7))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expect the int gap to yield 0, got %d", n)
	}
}

func TestInvokeNilArgument(t *testing.T) {
	iv := NewInvoker(newClient(t), "127.0.0.1:1")
	if _, err := iv.Invoke(context.Background(), "Greet", nil); err == nil || errors.Is(err, transport.ErrConnection) {
		t.Fatalf("expect a local error for an untyped nil, got %v", err)
	}
}

func TestCallResultConversion(t *testing.T) {
	svr := startArith(t, &Arith{})
	iv := NewInvoker(newClient(t), svr.Addr())

	if _, err := Call[string](context.Background(), iv, "Add", int64(1), int64(2)); err == nil {
		t.Fatal("expect an error converting a long result to string")
	}
}

func TestDispatcherMethods(t *testing.T) {
	d, err := NewDispatcher(&Arith{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Add", "Count", "Divide", "Echo", "Greet", "Multiply", "Reset", "Upper"}
	if got := d.Methods(); !slices.Equal(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}

	if _, err := NewDispatcher(struct{}{}, nil); err == nil {
		t.Fatal("expect error for a type without callable methods")
	}
}

func TestDispatcherDeclaredReturnType(t *testing.T) {
	reg := codec.NewRegistry()
	d, err := NewDispatcher(&Arith{}, reg)
	if err != nil {
		t.Fatal(err)
	}

	inv, err := NewInvocation(reg, "Add", int64(2), int64(3))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := d.Call(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	ow := resp.(*codec.ObjectWritable)
	if ow.DeclaredType() != codec.TypeLong || ow.Get() != int64(5) {
		t.Fatalf("unexpected result %s", ow)
	}

	resp, err = d.Call(context.Background(), message.NewInvocation("Reset", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if ow := resp.(*codec.ObjectWritable); ow.DeclaredType() != codec.TypeVoid || ow.Get() != nil {
		t.Fatalf("expect void result, got %s", ow)
	}

	if _, err := d.Call(context.Background(), codec.NewText("Add")); err == nil {
		t.Fatal("expect error for a request that is not an invocation")
	}
}

func TestProxyCallParallel(t *testing.T) {
	a := startArith(t, &Arith{})
	b := startArith(t, &Arith{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()

	params := [][]any{
		{int64(1), int64(1)},
		{int64(2), int64(2)},
		{int64(3), int64(3)},
	}
	results, err := CallParallel(context.Background(), newClient(t), "Add", params, []string{a.Addr(), dead, b.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 || results[0] != int64(2) || results[1] != nil || results[2] != int64(6) {
		t.Fatalf("unexpected results %v", results)
	}
}

func TestCallDiscovered(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for range 2 {
		startArith(t, &Arith{}, server.WithDiscovery(reg, "Arith", "", 10))
	}

	results, endpoints, err := CallDiscovered(context.Background(), newClient(t), reg, "Arith", "Add", int64(20), int64(22))
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expect 2 endpoints, got %v", endpoints)
	}
	for i, r := range results {
		if r != int64(42) {
			t.Fatalf("endpoint %s: expect 42, got %v", endpoints[i], r)
		}
	}

	if _, _, err := CallDiscovered(context.Background(), newClient(t), reg, "Nothing", "Add"); err == nil {
		t.Fatal("expect error when no instance is registered")
	}
}

func TestInvokerMiddleware(t *testing.T) {
	svr := startArith(t, &Arith{})
	var calls []string
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			calls = append(calls, fmt.Sprint(req))
			return next(ctx, req)
		}
	}
	iv := NewInvoker(newClient(t), svr.Addr(), record, middleware.RetryMiddleware(2, time.Millisecond))

	if _, err := Call[int64](context.Background(), iv, "Add", int64(1), int64(2)); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "Add(1, 2)" {
		t.Fatalf("unexpected recorded calls %v", calls)
	}
}

func TestServerTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svr := startArith(t, &Arith{}, server.WithMiddleware(
		middleware.TracingMiddleware(middleware.TracingConfig{TracerProvider: tp, ServiceName: "Arith"}),
		middleware.LoggingMiddleware(nil),
	))
	iv := NewInvoker(newClient(t), svr.Addr())

	if _, err := Call[int64](context.Background(), iv, "Add", int64(1), int64(2)); err != nil {
		t.Fatal(err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "track_rpc/Add" {
		t.Fatalf("unexpected spans %v", spans)
	}
}
