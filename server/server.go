// Package server implements the serving side of the call transport.
//
// Request processing pipeline:
//
//	Listener ── Accept ──→ one reader goroutine per connection
//	  reader:  frame → decode request → queue (bounded, blocks when full)
//	  handler: queue → Middleware Chain → Handler.Call → reply on the originating connection
//
// The queue holds at most WithMaxQueuedCalls entries. A reader that finds it full
// blocks until a handler drains one, so a fast client cannot grow server
// memory without bound. Replies go out in completion order, not request order.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"track-rpc/codec"
	"track-rpc/middleware"
	"track-rpc/protocol"
	"track-rpc/registry"
)

const DefaultIdleTimeout = 10 * time.Second

// ErrServerClosed is returned by Start on a server that was already stopped.
var ErrServerClosed = errors.New("server: closed")

// Handler is implemented by the embedding application. An error returned by
// Call is sent back to the caller as text.
type Handler interface {
	Call(ctx context.Context, req codec.Writable) (codec.Writable, error)
}

type queuedCall struct {
	id   int32
	req  codec.Writable
	conn *connection
}

// connection is one accepted socket. Several handlers may reply on it at
// once, so frames are written under sending.
type connection struct {
	nc      net.Conn
	br      *bufio.Reader
	in      *codec.DataInput
	sending sync.Mutex
}

type Server struct {
	id          string
	addr        string
	requestType codec.Type
	opts        options
	handler     middleware.HandlerFunc
	logger      *slog.Logger

	// lifecycle serializes Start and Stop and guards listener and closed.
	lifecycle sync.Mutex
	listener  net.Listener
	closed    bool
	bound     atomic.Pointer[string]
	queue     chan *queuedCall
	running   atomic.Bool
	quit      chan struct{}
	stopped   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*connection]struct{}

	handlers sync.WaitGroup
	readers  sync.WaitGroup
}

// New returns a server that decodes every request as requestType and passes
// it to h. Call Start to begin serving on addr.
func New(addr string, requestType codec.Type, h Handler, opts ...Option) *Server {
	o := options{
		handlerCount: 1,
		idleTimeout:  DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.handlerCount < 1 {
		o.handlerCount = 1
	}
	if o.maxQueued < 1 {
		o.maxQueued = o.handlerCount
	}
	if o.gracePeriod <= 0 {
		o.gracePeriod = o.idleTimeout
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.reg == nil {
		o.reg = codec.NewRegistry()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(middleware.WithServerID(context.Background(), id))
	return &Server{
		id:          id,
		addr:        addr,
		requestType: requestType,
		opts:        o,
		// Build the middleware chain once at startup (not per-request)
		handler: middleware.Chain(o.middlewares...)(h.Call),
		logger:  o.logger.With("server_id", id),
		queue:   make(chan *queuedCall, o.maxQueued),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*connection]struct{}),
	}
}

// ID is the random identifier of this server process.
func (s *Server) ID() string {
	return s.id
}

// Addr reports the bound listen address once started, else the configured one.
func (s *Server) Addr() string {
	if a := s.bound.Load(); a != nil {
		return *a
	}
	return s.addr
}

// Start binds the listen address and spawns the listener and handler
// goroutines. With discovery configured, the server is then announced.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.lifecycle.Unlock()
		return fmt.Errorf("server: already started on %s", s.Addr())
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.lifecycle.Unlock()
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	bound := ln.Addr().String()
	s.bound.Store(&bound)
	s.running.Store(true)

	for i := 0; i < s.opts.handlerCount; i++ {
		s.handlers.Add(1)
		go s.handleLoop()
	}
	s.readers.Add(1)
	go s.acceptLoop(ln)
	if d := s.opts.discovery; d != nil && d.advertise == "" {
		d.advertise = bound
	}
	s.lifecycle.Unlock()

	s.logger.Info("server started", "addr", s.Addr(), "handlers", s.opts.handlerCount, "max_queued", s.opts.maxQueued)

	if d := s.opts.discovery; d != nil {
		inst := registry.ServiceInstance{Addr: d.advertise, ServerID: s.id}
		if err := d.reg.Register(s.ctx, d.service, inst, d.ttl); err != nil {
			s.Stop()
			return fmt.Errorf("server: register %s: %w", d.service, err)
		}
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.readers.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			// Stop closes the listener, which fails Accept.
			if !s.running.Load() {
				return
			}
			if protocol.IsTimeout(err) {
				continue
			}
			s.logger.Error("accept failed", "err", err)
			return
		}

		c := &connection{nc: nc}
		c.br = bufio.NewReader(nc)
		c.in = codec.NewDataInput(c.br, s.opts.reg)

		s.mu.Lock()
		if !s.running.Load() {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.readers.Add(1)
		s.mu.Unlock()

		go s.readLoop(c)
	}
}

// readLoop reads requests from one connection and queues them. TCP is a byte
// stream, so each connection has exactly one reader.
func (s *Server) readLoop(c *connection) {
	defer s.readers.Done()
	defer s.dropConn(c)

	remote := c.nc.RemoteAddr().String()
	s.logger.Debug("connection accepted", "remote", remote)
	for {
		if err := protocol.AwaitFrame(c.nc, c.br, s.opts.idleTimeout); err != nil {
			if protocol.IsTimeout(err) && s.running.Load() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) && s.running.Load() {
				s.logger.Debug("connection closed", "remote", remote, "err", err)
			}
			return
		}

		h, err := protocol.DecodeRequestHeader(c.in)
		if err != nil {
			s.logger.Warn("bad request header", "remote", remote, "err", err)
			return
		}
		req, err := protocol.DecodeRequestBody(c.in, s.requestType)
		if err != nil {
			// The rest of the stream cannot be framed any more.
			s.logger.Warn("bad request", "remote", remote, "call_id", h.CallID, "err", err)
			return
		}

		select {
		case s.queue <- &queuedCall{id: h.CallID, req: req, conn: c}:
		case <-s.quit:
			return
		}
	}
}

func (s *Server) dropConn(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.nc.Close()
}

func (s *Server) handleLoop() {
	defer s.handlers.Done()
	for {
		select {
		case qc := <-s.queue:
			resp, err := s.invoke(qc)
			s.reply(qc, resp, err)
		case <-s.quit:
			return
		}
	}
}

// invoke runs the handler chain. A panicking handler is turned into an error
// reply instead of taking the handler goroutine down.
func (s *Server) invoke(qc *queuedCall) (resp codec.Writable, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "call_id", qc.id, "call", middleware.CallName(qc.req), "panic", r)
			resp, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	resp, err = s.handler(s.ctx, qc.req)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	return resp, err
}

func (s *Server) reply(qc *queuedCall, resp codec.Writable, callErr error) {
	var frame bytes.Buffer
	out := codec.NewDataOutput(&frame, s.opts.reg)
	if callErr != nil {
		protocol.EncodeError(out, qc.id, callErr.Error())
	} else if err := protocol.EncodeReply(out, qc.id, resp); err != nil {
		s.logger.Warn("encode response failed", "call_id", qc.id, "err", err)
		frame.Reset()
		protocol.EncodeError(out, qc.id, "encode response: "+err.Error())
	}

	c := qc.conn
	c.sending.Lock()
	_, err := c.nc.Write(frame.Bytes())
	c.sending.Unlock()
	if err != nil {
		s.logger.Debug("write response failed", "call_id", qc.id, "err", err)
	}
}

// Stop withdraws the server from discovery, stops accepting, and gives
// running handlers up to the grace period before closing every connection.
// A server stopped before it was started only becomes unusable.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.running.CompareAndSwap(true, false) {
		close(s.stopped)
		return
	}

	if d := s.opts.discovery; d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.gracePeriod)
		if err := d.reg.Deregister(ctx, d.service, d.advertise); err != nil {
			s.logger.Warn("deregister failed", "service", d.service, "err", err)
		}
		cancel()
	}

	close(s.quit)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.gracePeriod):
		s.logger.Warn("handlers still running after grace period", "grace", s.opts.gracePeriod)
	}
	s.cancel()

	s.mu.Lock()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	s.readers.Wait()

	s.logger.Info("server stopped")
	close(s.stopped)
}

// Join blocks until the server has stopped.
func (s *Server) Join() {
	<-s.stopped
}
