// Package transport implements the client side of the call transport.
//
// A Conn multiplexes many concurrent calls over one TCP connection. Each call
// gets an id unique to its connection, and a background goroutine (readLoop)
// continuously reads replies and routes them to the waiting caller by id.
//
//	goroutine-1 ──Send(id=0)──┐
//	goroutine-2 ──Send(id=1)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=2)──┘
//
//	readLoop:  ←── reply(id=1) → pending[1] → goroutine-2 wakes up
//
// Replies may arrive in any order; callers are matched purely by id.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"track-rpc/codec"
	"track-rpc/protocol"
)

var errIdle = errors.New("idle connection closed")

// Dialer opens the socket for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

func defaultDialer(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

// Config is shared by every Conn of a Pool.
type Config struct {
	Registry     *codec.Registry
	ResponseType codec.Type    // type every reply body decodes into
	IdleTimeout  time.Duration // close a connection with no calls after this long; 0 keeps it open
	Dialer       Dialer
	Logger       *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Registry == nil {
		cfg.Registry = codec.NewRegistry()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Call is one outbound call. It is owned by its Conn from Send until it
// completes, times out or the connection is torn down.
type Call struct {
	ID       int32
	Request  codec.Writable
	Response codec.Writable
	Err      error

	done     chan struct{}
	activity atomic.Int64 // unix nanos of the last byte moved for this call
}

func NewCall(req codec.Writable) *Call {
	c := &Call{Request: req, done: make(chan struct{})}
	c.touch()
	return c
}

func (c *Call) touch() {
	c.activity.Store(time.Now().UnixNano())
}

// LastActivity is when the call was created or last moved a byte.
func (c *Call) LastActivity() time.Time {
	return time.Unix(0, c.activity.Load())
}

// Done is closed once Response or Err is set.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// complete must only be called by whoever removed the call from the pending
// table, which makes it happen exactly once.
func (c *Call) complete(resp codec.Writable, err error) {
	c.Response, c.Err = resp, err
	close(c.done)
}

// activityConn touches the call currently reading or writing on every I/O.
type activityConn struct {
	net.Conn
	owner *Conn
}

func (a activityConn) Read(p []byte) (int, error) {
	n, err := a.Conn.Read(p)
	if call := a.owner.reading.Load(); call != nil {
		call.touch()
	}
	return n, err
}

func (a activityConn) Write(p []byte) (int, error) {
	n, err := a.Conn.Write(p)
	if call := a.owner.writing.Load(); call != nil {
		call.touch()
	}
	return n, err
}

// Conn owns one socket to an endpoint, its reader goroutine and its table of
// in-flight calls.
type Conn struct {
	endpoint string
	cfg      Config
	conn     activityConn
	br       *bufio.Reader
	in       *codec.DataInput

	sending sync.Mutex // serializes frames from concurrent callers
	nextID  atomic.Int32

	mu      sync.Mutex
	pending map[int32]*Call
	closed  bool

	reading atomic.Pointer[Call]
	writing atomic.Pointer[Call]

	onClose func(*Conn)
	done    chan struct{}
}

// NewConn wraps an established socket and starts its reader goroutine.
// onClose, if set, runs once when the connection is torn down.
func NewConn(nc net.Conn, endpoint string, cfg Config, onClose func(*Conn)) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		endpoint: endpoint,
		cfg:      cfg,
		pending:  make(map[int32]*Call),
		onClose:  onClose,
		done:     make(chan struct{}),
	}
	c.conn = activityConn{Conn: nc, owner: c}
	c.br = bufio.NewReader(c.conn)
	c.in = codec.NewDataInput(c.br, cfg.Registry)
	go c.readLoop()
	cfg.Logger.Debug("connection opened", "endpoint", endpoint)
	return c
}

func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Closed is closed after the connection has been torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}

// Send assigns call an id, registers it as in flight and writes its request
// frame. A write failure tears the connection down.
func (c *Conn) Send(call *Call) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{Endpoint: c.endpoint, Err: net.ErrClosed}
	}
	call.ID = c.nextID.Add(1) - 1
	c.pending[call.ID] = call
	c.mu.Unlock()

	// Encode outside the write lock; a value that fails to encode must not
	// leave half a frame on the stream.
	var frame bytes.Buffer
	if err := protocol.EncodeRequest(codec.NewDataOutput(&frame, c.cfg.Registry), call.ID, call.Request); err != nil {
		c.remove(call.ID)
		return err
	}

	c.sending.Lock()
	c.writing.Store(call)
	_, err := c.conn.Write(frame.Bytes())
	c.writing.Store(nil)
	c.sending.Unlock()

	if err != nil {
		c.remove(call.ID)
		c.teardown(err)
		return &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	return nil
}

// Wait blocks until call completes or its timeout budget runs out. The budget
// restarts whenever the call moves a byte, so only an idle call times out.
func (c *Conn) Wait(ctx context.Context, call *Call, timeout time.Duration) (codec.Writable, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-call.done:
			return call.Response, call.Err
		case <-ctx.Done():
			if c.remove(call.ID) == nil {
				<-call.done
				return call.Response, call.Err
			}
			return nil, ctx.Err()
		case <-timer.C:
			remaining := timeout - time.Since(call.LastActivity())
			if remaining > 0 {
				timer.Reset(remaining)
				continue
			}
			if c.remove(call.ID) == nil {
				<-call.done
				return call.Response, call.Err
			}
			return nil, ErrResponseTimeout
		}
	}
}

// Call sends req and waits for its reply.
func (c *Conn) Call(ctx context.Context, req codec.Writable, timeout time.Duration) (codec.Writable, error) {
	call := NewCall(req)
	if err := c.Send(call); err != nil {
		return nil, err
	}
	return c.Wait(ctx, call, timeout)
}

// Abandon stops tracking a call locally. A late reply for it is dropped. It
// reports false when the call had already been resolved, in which case Done
// is about to close.
func (c *Conn) Abandon(call *Call) bool {
	return c.remove(call.ID) != nil
}

func (c *Conn) lookup(id int32) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Conn) remove(id int32) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Conn) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// readLoop runs for the connection's lifetime. TCP is a byte stream, so a
// single reader parses frame boundaries; replies are routed by call id.
func (c *Conn) readLoop() {
	for {
		if err := protocol.AwaitFrame(c.conn, c.br, c.cfg.IdleTimeout); err != nil {
			if protocol.IsTimeout(err) {
				if c.inFlight() > 0 {
					continue
				}
				err = errIdle
			}
			c.teardown(err)
			return
		}

		h, err := protocol.DecodeReplyHeader(c.in)
		if err != nil {
			c.teardown(err)
			return
		}

		// Touch the matching call while its body streams in.
		c.reading.Store(c.lookup(h.CallID))
		r, err := protocol.DecodeReplyBody(c.in, h, c.cfg.ResponseType)
		c.reading.Store(nil)
		if err != nil {
			c.teardown(err)
			return
		}

		call := c.remove(h.CallID)
		if call == nil {
			c.cfg.Logger.Debug("dropping reply for unknown call", "endpoint", c.endpoint, "call_id", h.CallID)
			continue
		}
		if r.IsError {
			call.complete(nil, &RemoteError{Message: r.Error})
		} else {
			call.complete(r.Body, nil)
		}
	}
}

// Close tears the connection down, failing every call still in flight.
func (c *Conn) Close() error {
	c.teardown(ErrClientClosed)
	return nil
}

// teardown closes the socket once, removes the connection from its pool and
// fails every pending call so no caller blocks on a dead connection.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int32]*Call)
	c.mu.Unlock()

	c.conn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}

	err := &ConnectionError{Endpoint: c.endpoint, Err: cause}
	for _, call := range pending {
		call.complete(nil, err)
	}
	close(c.done)

	if errors.Is(cause, errIdle) || errors.Is(cause, ErrClientClosed) {
		c.cfg.Logger.Debug("connection closed", "endpoint", c.endpoint, "reason", cause)
	} else {
		c.cfg.Logger.Warn("connection torn down", "endpoint", c.endpoint, "in_flight", len(pending), "err", cause)
	}
}
