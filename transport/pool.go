package transport

import (
	"context"
	"sync"
)

// Pool keeps one Conn per endpoint. Connections are created lazily and
// evicted when torn down, so the next call to that endpoint dials a fresh one.
// Dials run outside the pool lock: a slow endpoint only holds up the callers
// waiting for that endpoint.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	conns  map[string]*Conn
	dials  map[string]*dialing
	closed bool
}

// dialing is a connection attempt in progress. conn and err are set before
// done is closed.
type dialing struct {
	done chan struct{}
	conn *Conn
	err  error
}

func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*Conn),
		dials: make(map[string]*dialing),
	}
}

// Get returns the pooled connection for endpoint, dialing it if needed.
// Concurrent Gets for the same endpoint share one dial.
func (p *Pool) Get(ctx context.Context, endpoint string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c, ok := p.conns[endpoint]; ok {
		p.mu.Unlock()
		return c, nil
	}
	if d, ok := p.dials[endpoint]; ok {
		p.mu.Unlock()
		select {
		case <-d.done:
			return d.conn, d.err
		case <-ctx.Done():
			return nil, &ConnectionError{Endpoint: endpoint, Err: ctx.Err()}
		}
	}
	d := &dialing{done: make(chan struct{})}
	p.dials[endpoint] = d
	p.mu.Unlock()

	nc, err := p.cfg.Dialer(ctx, endpoint)

	p.mu.Lock()
	delete(p.dials, endpoint)
	switch {
	case err != nil:
		d.err = &ConnectionError{Endpoint: endpoint, Err: err}
	case p.closed:
		nc.Close()
		d.err = ErrClientClosed
	default:
		d.conn = NewConn(nc, endpoint, p.cfg, p.evict)
		p.conns[endpoint] = d.conn
	}
	p.mu.Unlock()
	close(d.done)
	return d.conn, d.err
}

func (p *Pool) evict(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.endpoint] == c {
		delete(p.conns, c.endpoint)
	}
}

// Len reports how many connections are currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close tears down every pooled connection. Later Gets fail with ErrClientClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
