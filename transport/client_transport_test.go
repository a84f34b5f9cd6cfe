package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"track-rpc/codec"
	"track-rpc/protocol"
)

// startFake runs a raw frame server on a loopback port. fn owns each accepted
// connection until it returns.
func startFake(t *testing.T, fn func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	reg := codec.NewRegistry()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn, codec.NewDataInput(bufio.NewReader(conn), reg), codec.NewDataOutput(conn, reg))
			}()
		}
	}()
	return ln.Addr().String()
}

func readText(in *codec.DataInput) (int32, string, error) {
	h, err := protocol.DecodeRequestHeader(in)
	if err != nil {
		return 0, "", err
	}
	body, err := protocol.DecodeRequestBody(in, codec.TypeText)
	if err != nil {
		return 0, "", err
	}
	return h.CallID, body.(*codec.Text).String(), nil
}

// upperHandler replies to every request with its upper-cased text.
func upperHandler(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
	for {
		id, s, err := readText(in)
		if err != nil {
			return
		}
		if err := protocol.EncodeReply(out, id, codec.NewText(strings.ToUpper(s))); err != nil {
			return
		}
	}
}

func newTextPool(t *testing.T, idle time.Duration) *Pool {
	p := NewPool(Config{ResponseType: codec.TypeText, IdleTimeout: idle})
	t.Cleanup(func() { p.Close() })
	return p
}

func callText(t *testing.T, c *Conn, s string, timeout time.Duration) (string, error) {
	t.Helper()
	resp, err := c.Call(context.Background(), codec.NewText(s), timeout)
	if err != nil {
		return "", err
	}
	return resp.(*codec.Text).String(), nil
}

func TestConnSerial(t *testing.T) {
	addr := startFake(t, upperHandler)
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"a", "hello", "mixed Case"} {
		got, err := callText(t, c, s, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got != strings.ToUpper(s) {
			t.Fatalf("expect %q, got %q", strings.ToUpper(s), got)
		}
	}
}

// Many goroutines share one connection; each must get its own reply.
func TestConnConcurrent(t *testing.T) {
	addr := startFake(t, upperHandler)
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := fmt.Sprintf("req-%d", n)
			got, err := callText(t, c, s, 2*time.Second)
			if err != nil {
				t.Errorf("call %d failed: %v", n, err)
				return
			}
			if got != strings.ToUpper(s) {
				t.Errorf("expect %q, got %q", strings.ToUpper(s), got)
			}
		}(i)
	}
	wg.Wait()
}

func TestConnOutOfOrderReplies(t *testing.T) {
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		id1, s1, err := readText(in)
		if err != nil {
			return
		}
		id2, s2, err := readText(in)
		if err != nil {
			return
		}
		// Second request first.
		protocol.EncodeReply(out, id2, codec.NewText("re:"+s2))
		protocol.EncodeReply(out, id1, codec.NewText("re:"+s1))
		upperHandler(conn, in, out)
	})
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, s := range []string{"one", "two"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			got, err := callText(t, c, s, 2*time.Second)
			if err != nil {
				t.Errorf("call %s failed: %v", s, err)
				return
			}
			if got != "re:"+s {
				t.Errorf("expect re:%s, got %s", s, got)
			}
		}(s)
	}
	wg.Wait()
}

func TestConnResponseTimeout(t *testing.T) {
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		readText(in)
		time.Sleep(2 * time.Second)
	})
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = callText(t, c, "silence", 200*time.Millisecond)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expect response timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if c.inFlight() != 0 {
		t.Fatalf("timed out call must leave the in-flight table, %d left", c.inFlight())
	}
}

// A reply that keeps streaming bytes must not time out even though it takes
// longer than the timeout overall.
func TestConnActivityExtendsTimeout(t *testing.T) {
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		id, _, err := readText(in)
		if err != nil {
			return
		}
		out.WriteInt32(id)
		out.WriteBool(false)
		body := []byte("slowstream")
		out.WriteUint16(uint16(len(body)))
		for _, b := range body {
			time.Sleep(60 * time.Millisecond)
			conn.Write([]byte{b})
		}
		upperHandler(conn, in, out)
	})
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	got, err := callText(t, c, "go", 250*time.Millisecond)
	if err != nil {
		t.Fatalf("active call timed out: %v", err)
	}
	if got != "slowstream" {
		t.Fatalf("expect slowstream, got %q", got)
	}
}

func TestConnRemoteError(t *testing.T) {
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		for {
			id, s, err := readText(in)
			if err != nil {
				return
			}
			protocol.EncodeError(out, id, "handler failed on "+s)
		}
	})
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	_, err = callText(t, c, "boom", time.Second)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expect remote error, got %v", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "handler failed on boom" {
		t.Fatalf("expect original message, got %v", err)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatal("remote error must not look like a connection failure")
	}

	// The connection survives a remote error.
	if _, err := callText(t, c, "again", time.Second); !errors.Is(err, ErrRemote) {
		t.Fatalf("expect remote error on reused connection, got %v", err)
	}
}

func TestConnDropsUnknownCallID(t *testing.T) {
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		id, s, err := readText(in)
		if err != nil {
			return
		}
		protocol.EncodeReply(out, id+100, codec.NewText("stray"))
		protocol.EncodeError(out, id+101, "stray error")
		protocol.EncodeReply(out, id, codec.NewText(s))
		upperHandler(conn, in, out)
	})
	c, err := newTextPool(t, 0).Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	got, err := callText(t, c, "mine", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got != "mine" {
		t.Fatalf("expect mine, got %q", got)
	}
}

func TestConnTeardownEvictsAndFailsCalls(t *testing.T) {
	var mu sync.Mutex
	accepted := 0
	addr := startFake(t, func(conn net.Conn, in *codec.DataInput, out *codec.DataOutput) {
		mu.Lock()
		accepted++
		first := accepted == 1
		mu.Unlock()
		if first {
			readText(in) // then hang up
			return
		}
		upperHandler(conn, in, out)
	})
	pool := newTextPool(t, 0)
	c, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	_, err = callText(t, c, "lost", 5*time.Second)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expect connection error, got %v", err)
	}

	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("connection was not torn down")
	}
	if pool.Len() != 0 {
		t.Fatalf("expect torn down connection to be evicted, pool has %d", pool.Len())
	}

	fresh, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == c {
		t.Fatal("expect a fresh connection after teardown")
	}
	if got, err := callText(t, fresh, "back", time.Second); err != nil || got != "BACK" {
		t.Fatalf("expect BACK on fresh connection, got %q (%v)", got, err)
	}
}

func TestConnIdleClose(t *testing.T) {
	addr := startFake(t, upperHandler)
	pool := newTextPool(t, 50*time.Millisecond)
	c, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := callText(t, c, "x", time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	if pool.Len() != 0 {
		t.Fatalf("expect idle connection evicted, pool has %d", pool.Len())
	}
}

func TestPoolReusesConnection(t *testing.T) {
	addr := startFake(t, upperHandler)
	pool := newTextPool(t, 0)

	c1, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expect one connection per endpoint")
	}
	if c1.Endpoint() != addr {
		t.Fatalf("expect endpoint %s, got %s", addr, c1.Endpoint())
	}
}

func TestPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = newTextPool(t, 0).Get(context.Background(), addr)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expect connection error, got %v", err)
	}
}

func TestPoolClose(t *testing.T) {
	addr := startFake(t, upperHandler)
	pool := NewPool(Config{ResponseType: codec.TypeText})
	c, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	pool.Close()

	<-c.Closed()
	if _, err := pool.Get(context.Background(), addr); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expect client closed, got %v", err)
	}
	if err := c.Send(NewCall(codec.NewText("late"))); !errors.Is(err, ErrConnection) {
		t.Fatalf("expect send on closed connection to fail, got %v", err)
	}
}

// hangingDialer never connects to hang and dials everything else normally.
func hangingDialer(hang string, dials *atomic.Int32) Dialer {
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		if dials != nil {
			dials.Add(1)
		}
		if endpoint == hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", endpoint)
	}
}

func TestPoolSlowDialDoesNotBlockOtherEndpoints(t *testing.T) {
	addr := startFake(t, upperHandler)
	pool := NewPool(Config{ResponseType: codec.TypeText, Dialer: hangingDialer("blackhole:1", nil)})
	t.Cleanup(func() { pool.Close() })

	hangCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hung := make(chan error, 1)
	go func() {
		_, err := pool.Get(hangCtx, "blackhole:1")
		hung <- err
	}()

	ctx, cancelGet := context.WithTimeout(context.Background(), time.Second)
	defer cancelGet()
	c, err := pool.Get(ctx, addr)
	if err != nil {
		t.Fatalf("expect live endpoint to connect while another dial hangs, got %v", err)
	}
	if got, err := callText(t, c, "ok", time.Second); err != nil || got != "OK" {
		t.Fatalf("expect OK, got %q, %v", got, err)
	}

	cancel()
	if err := <-hung; !errors.Is(err, ErrConnection) {
		t.Fatalf("expect cancelled dial to fail with a connection error, got %v", err)
	}
	if pool.Len() != 1 {
		t.Fatalf("expect 1 pooled connection, got %d", pool.Len())
	}
}

func TestPoolConcurrentGetsShareOneDial(t *testing.T) {
	addr := startFake(t, upperHandler)
	var dials atomic.Int32
	pool := NewPool(Config{ResponseType: codec.TypeText, Dialer: hangingDialer("", &dials)})
	t.Cleanup(func() { pool.Close() })

	const n = 16
	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := pool.Get(context.Background(), addr)
			if err != nil {
				t.Error(err)
				return
			}
			conns[i] = c
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatal("expect one connection per endpoint")
		}
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expect 1 dial, got %d", got)
	}
}

func TestPoolWaiterGivesUpOnContext(t *testing.T) {
	pool := NewPool(Config{ResponseType: codec.TypeText, Dialer: hangingDialer("blackhole:1", nil)})
	t.Cleanup(func() { pool.Close() })

	dialCtx, cancelDial := context.WithCancel(context.Background())
	defer cancelDial()
	started := make(chan struct{})
	go func() {
		close(started)
		pool.Get(dialCtx, "blackhole:1")
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Get(ctx, "blackhole:1"); !errors.Is(err, ErrConnection) {
		t.Fatalf("expect connection error, got %v", err)
	}
}
