package rpcclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/wire"
)

// Config is the RPC client tuning surface (spec.md §6).
type Config struct {
	TimeoutMs        int64
	Retries          int
	ConnectTimeoutMs int64
	MaxConnPerAddr   int
	IdleWriteTimeout time.Duration
	Strategy         Strategy
}

// DefaultConfig returns spec.md §6's stated RPC client defaults.
func DefaultConfig() Config {
	return Config{TimeoutMs: 10000, Retries: 1, ConnectTimeoutMs: 3000, MaxConnPerAddr: 10, IdleWriteTimeout: 30 * time.Second}
}

// MethodSpec is the proxy-method annotation surface (spec.md §6
// "@Timeout(ms, retries)"): per-method timeout/retry overrides, read once
// and cached by Client.
type MethodSpec struct {
	TimeoutMs int64
	Retries   int
}

// Client is the RPC client core (C5): resolves candidates from a
// discovery.Registry, load-balances via Balancer, dispatches over a pooled
// connection, and completes a Future per request.
type Client struct {
	cfg       Config
	discovery *discovery.Registry
	balancer  *Balancer
	pool      *pool
	logger    mlog.Logger

	reqCounter atomic.Uint64
	methods    map[string]MethodSpec

	addrMu    sync.Mutex
	addrByKey map[string]string // serviceKey -> last-resolved address, for the offline hook
}

// New builds a Client. Call, CallAsync and CallOneWay resolve every target
// through discoveryRegistry, so it must be non-nil before any of them runs;
// a nil registry only skips installing the service-offline hook.
func New(cfg Config, discoveryRegistry *discovery.Registry, logger mlog.Logger) *Client {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	if cfg.MaxConnPerAddr <= 0 {
		cfg.MaxConnPerAddr = DefaultConfig().MaxConnPerAddr
	}

	c := &Client{
		cfg:       cfg,
		discovery: discoveryRegistry,
		balancer:  NewBalancer(cfg.Strategy),
		pool:      newPool(cfg.MaxConnPerAddr, time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond, cfg.IdleWriteTimeout),
		logger:    logger,
		methods:   map[string]MethodSpec{},
		addrByKey: map[string]string{},
	}

	if discoveryRegistry != nil {
		discoveryRegistry.OnOffline(c.onServiceOffline)
	}

	return c
}

// RegisterMethod caches the @Timeout(ms, retries)-equivalent annotation for
// "iface.method", consulted by Call/CallAsync in place of cfg defaults.
func (c *Client) RegisterMethod(iface, method string, spec MethodSpec) {
	c.methods[iface+"."+method] = spec
}

func (c *Client) methodSpec(iface, method string) MethodSpec {
	if spec, ok := c.methods[iface+"."+method]; ok {
		return spec
	}

	return MethodSpec{TimeoutMs: c.cfg.TimeoutMs, Retries: c.cfg.Retries}
}

// Call performs a blocking RPC (spec.md §4.5 steps 1-6), retrying up to the
// method's configured retries on transport-level failure; business errors
// never retry.
func (c *Client) Call(ctx context.Context, iface string, serverID int64, method string, paramTypes []string, params []any, routingKey string) (any, error) {
	spec := c.methodSpec(iface, method)

	var lastErr error

	excluded := ""

	for attempt := 0; attempt <= spec.Retries; attempt++ {
		result, err := c.callOnce(ctx, iface, serverID, method, paramTypes, params, routingKey, excluded, spec.TimeoutMs, false)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryableTransportError(err) {
			return nil, err
		}

		c.addrMu.Lock()
		excluded = c.addrByKey[discovery.ServiceKey(iface, serverID)]
		c.addrMu.Unlock()
	}

	return nil, lastErr
}

// CallAsync returns a Future immediately instead of blocking (spec.md §4.5
// "Async variant").
func (c *Client) CallAsync(ctx context.Context, iface string, serverID int64, method string, paramTypes []string, params []any, routingKey string) *Future {
	f := NewFuture()

	go func() {
		spec := c.methodSpec(iface, method)

		result, err := c.callOnce(ctx, iface, serverID, method, paramTypes, params, routingKey, "", spec.TimeoutMs, false)
		f.complete(result, err)
	}()

	return f
}

// CallOneWay writes the request and returns as soon as the write completes,
// without registering a pending future (spec.md §4.5 "One-way calls").
func (c *Client) CallOneWay(ctx context.Context, iface string, serverID int64, method string, paramTypes []string, params []any, routingKey string) error {
	_, err := c.callOnce(ctx, iface, serverID, method, paramTypes, params, routingKey, "", c.cfg.TimeoutMs, true)
	return err
}

func (c *Client) callOnce(ctx context.Context, iface string, serverID int64, method string, paramTypes []string, params []any, routingKey, excluded string, timeoutMs int64, oneWay bool) (any, error) {
	instances, err := c.discovery.Discover(ctx, iface, serverID)
	if err != nil {
		return nil, slgerrors.TransportError{Op: "discover", Message: iface, Err: err}
	}

	inst, ok := c.balancer.Pick(discovery.ServiceKey(iface, serverID), instances, routingKey, excluded)
	if !ok {
		return nil, slgerrors.ProtocolError{ServiceKey: iface, Method: method, Message: "no instance available"}
	}

	c.addrMu.Lock()
	c.addrByKey[discovery.ServiceKey(iface, serverID)] = inst.Address
	c.addrMu.Unlock()

	conn, err := c.pool.get(ctx, inst.Address)
	if err != nil {
		return nil, err
	}

	req := wire.RpcRequest{
		ReqID:      c.reqCounter.Add(1),
		Iface:      iface,
		Method:     method,
		ParamTypes: paramTypes,
		Params:     params,
		ServerID:   serverID,
		OneWay:     oneWay,
	}

	msgType := wire.MsgRequest
	if oneWay {
		msgType = wire.MsgOneWay
	}

	frame, err := conn.codec.Encode(msgType, req.ReqID, req)
	if err != nil {
		return nil, slgerrors.TransportError{Op: "encode", Message: method, Err: err}
	}

	start := time.Now()

	_, breakerErr := conn.cb.Execute(func() (any, error) {
		return nil, conn.write(frame)
	})
	if breakerErr != nil {
		if breakerErr == gobreaker.ErrOpenState {
			return nil, slgerrors.TransportError{Op: "breaker-open", Message: inst.Address, Err: breakerErr}
		}

		return nil, breakerErr
	}

	obs.RPCClientLatency.WithLabelValues(iface, method).Observe(time.Since(start).Seconds())

	if oneWay {
		return nil, nil
	}

	future := NewFuture()
	conn.pend.register(req.ReqID, time.Duration(timeoutMs)*time.Millisecond, future)

	result, futErr := future.Get()
	if futErr != nil {
		return nil, futErr
	}

	return result, nil
}

// readLoop runs for the lifetime of conn, dispatching each decoded frame
// to the pending table (responses), the heartbeat tracker (HB replies), or
// closing the connection on read failure.
func readLoop(conn *connection) {
	defer conn.close()

	for {
		frame, err := conn.framer.ReadFrame()
		if err != nil {
			if err != io.EOF {
				conn.pend.closeAll(slgerrors.TransportError{Op: "read", Message: conn.addr, Err: err})
			}

			return
		}

		h, err := wire.DecodeHeader(frame)
		if err != nil {
			continue
		}

		switch h.MsgType {
		case wire.MsgHeartbeat:
			conn.onHeartbeatReply()
		case wire.MsgResponse:
			var resp wire.RpcResponse

			if _, err := wire.Decode(frame, &resp); err != nil {
				continue
			}

			if resp.Error != nil {
				conn.pend.complete(resp.ReqID, nil, slgerrors.BusinessError{
					ClassName: resp.Error.ClassName,
					Message:   resp.Error.Message,
					Stack:     resp.Error.Stack,
				})
			} else {
				conn.pend.complete(resp.ReqID, resp.Result, nil)
			}
		}
	}
}

// onServiceOffline invalidates the pooled connections to the last address
// resolved for serviceKey (spec.md §4.5 "Service-offline hook").
func (c *Client) onServiceOffline(serviceKey string) {
	c.addrMu.Lock()
	addr, ok := c.addrByKey[serviceKey]
	delete(c.addrByKey, serviceKey)
	c.addrMu.Unlock()

	c.logger.Warnf("rpcclient: service offline %s, invalidating cached connections", serviceKey)

	if ok {
		c.pool.invalidate(addr)
	}
}

// isRetryableTransportError reports whether err should trigger a reselect-
// and-retry (spec.md §7): transport failures, a closed channel, and request
// timeouts are all retryable subject to the method's retry count; business
// errors thrown by the remote handler are never retried.
func isRetryableTransportError(err error) bool {
	var te slgerrors.TransportError
	if errors.As(err, &te) {
		return true
	}

	var ce slgerrors.ChannelClosedError
	if errors.As(err, &ce) {
		return true
	}

	var toe slgerrors.TimeoutError

	return errors.As(err, &toe)
}

// Close shuts down every pooled connection.
func (c *Client) Close() { c.pool.closeAll() }
