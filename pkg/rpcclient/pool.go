package rpcclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/wire"
)

// connection is one pooled TCP connection to a remote address, wrapping the
// wire framer/codec, its own pending-request table, heartbeat state, and a
// circuit breaker (spec.md §4.5 "Connection pool").
type connection struct {
	addr   string
	conn   net.Conn
	framer *wire.Framer
	codec  *wire.Codec
	pend   *pendingTable
	reqID  atomic.Uint64
	cb     *gobreaker.CircuitBreaker

	writeMu sync.Mutex

	lastWrite atomic.Int64 // unix nano
	missedHB  atomic.Int32
	closeOnce sync.Once
	closed    atomic.Bool
}

func dial(ctx context.Context, addr string, connectTimeout, idleWriteTimeout time.Duration) (*connection, error) {
	d := net.Dialer{Timeout: connectTimeout}

	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, slgerrors.TransportError{Op: "dial", Message: addr, Err: err}
	}

	c := &connection{
		addr:   addr,
		conn:   raw,
		framer: wire.NewFramer(raw),
		codec:  wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 1024),
		pend:   newPendingTable(),
		cb:     newBreaker(addr),
	}
	c.lastWrite.Store(time.Now().UnixNano())

	go readLoop(c)
	go heartbeatLoop(c, idleWriteTimeout)

	return c, nil
}

// write sends a frame, serializing concurrent writers (a single net.Conn
// is not safe for concurrent Write calls).
func (c *connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return slgerrors.ChannelClosedError{Address: c.addr}
	}

	if _, err := c.conn.Write(frame); err != nil {
		return slgerrors.TransportError{Op: "write", Message: c.addr, Err: err}
	}

	c.lastWrite.Store(time.Now().UnixNano())

	return nil
}

// close tears the connection down exactly once, failing every pending
// future with ChannelClosedError (spec.md §4.5).
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		c.pend.closeAll(slgerrors.ChannelClosedError{Address: c.addr})
	})
}

// pool holds up to maxConnectionsPerAddress connections per remote address
// and round-robins outbound calls across them (spec.md §4.5).
type pool struct {
	maxPerAddr       int
	connectTimeout   time.Duration
	idleWriteTimeout time.Duration

	mu     sync.Mutex
	byAddr map[string][]*connection
	next   map[string]*atomic.Uint64
}

func newPool(maxPerAddr int, connectTimeout, idleWriteTimeout time.Duration) *pool {
	return &pool{
		maxPerAddr:       maxPerAddr,
		connectTimeout:   connectTimeout,
		idleWriteTimeout: idleWriteTimeout,
		byAddr:           map[string][]*connection{},
		next:             map[string]*atomic.Uint64{},
	}
}

// get returns a round-robin connection to addr, dialing a new one if the
// pool for addr hasn't reached maxPerAddr yet.
func (p *pool) get(ctx context.Context, addr string) (*connection, error) {
	p.mu.Lock()
	conns := p.byAddr[addr]

	if len(conns) < p.maxPerAddr {
		p.mu.Unlock()

		c, err := dial(ctx, addr, p.connectTimeout, p.idleWriteTimeout)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.byAddr[addr] = append(p.byAddr[addr], c)
		if _, ok := p.next[addr]; !ok {
			p.next[addr] = &atomic.Uint64{}
		}
		p.mu.Unlock()

		return c, nil
	}

	ctr := p.next[addr]
	p.mu.Unlock()

	idx := ctr.Add(1) - 1
	c := conns[idx%uint64(len(conns))]

	if c.closed.Load() {
		return p.replace(ctx, addr, c)
	}

	return c, nil
}

// replace dials a fresh connection to take a dead one's slot.
func (p *pool) replace(ctx context.Context, addr string, dead *connection) (*connection, error) {
	c, err := dial(ctx, addr, p.connectTimeout, p.idleWriteTimeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	conns := p.byAddr[addr]
	for i, existing := range conns {
		if existing == dead {
			conns[i] = c
			break
		}
	}
	p.byAddr[addr] = conns
	p.mu.Unlock()

	return c, nil
}

// invalidate closes and drops every connection to addr (spec.md §4.5
// "Service-offline hook").
func (p *pool) invalidate(addr string) {
	p.mu.Lock()
	conns := p.byAddr[addr]
	delete(p.byAddr, addr)
	delete(p.next, addr)
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (p *pool) closeAll() {
	p.mu.Lock()
	all := p.byAddr
	p.byAddr = map[string][]*connection{}
	p.mu.Unlock()

	for _, conns := range all {
		for _, c := range conns {
			c.close()
		}
	}
}

func newBreaker(addr string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("rpcclient:%s", addr),
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			v := 0.0
			if to == gobreaker.StateOpen {
				v = 1.0
			}

			obs.RPCClientBreakerOpen.WithLabelValues(addr).Set(v)
		},
	})
}
