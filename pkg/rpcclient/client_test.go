package rpcclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/wire"
)

// memStore is a minimal in-memory discovery.Store, enough to back a
// Registry for a single fixed instance list without a live etcd cluster.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, path string, data []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)

	return nil
}

func (s *memStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[path]

	return v, ok, nil
}

func (s *memStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string][]byte{}

	for k, v := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}

	return out, nil
}

func (s *memStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)

	return nil
}

func (s *memStore) Watch(_ context.Context, _ string, _ func(put bool, data []byte)) {}

// echoServer accepts a single connection, decodes one request frame and
// writes back a successful RpcResponse echoing the first param.
func echoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		framer := wire.NewFramer(conn)
		codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 1024)

		for {
			frame, err := framer.ReadFrame()
			if err != nil {
				return
			}

			h, err := wire.DecodeHeader(frame)
			if err != nil {
				continue
			}

			if h.MsgType == wire.MsgHeartbeat {
				_, _ = conn.Write(frame) // echo the heartbeat back verbatim
				continue
			}

			var req wire.RpcRequest
			if _, err := wire.Decode(frame, &req); err != nil {
				continue
			}

			resp := wire.RpcResponse{ReqID: req.ReqID, Result: req.Params}

			out, err := codec.Encode(wire.MsgResponse, req.ReqID, resp)
			if err != nil {
				return
			}

			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func newTestRegistry(t *testing.T, addr string) *discovery.Registry {
	t.Helper()

	store := newMemStore()
	reg := discovery.NewRegistry(store, nil, nil)

	require.NoError(t, reg.Register(context.Background(), discovery.ServiceInstance{
		ServiceKey: "EchoService#0",
		Address:    addr,
		ServerID:   0,
		Weight:     1,
	}))

	return reg
}

func TestClient_CallRoundTrip(t *testing.T) {
	addr := echoServer(t)
	reg := newTestRegistry(t, addr)

	cfg := DefaultConfig()
	cfg.IdleWriteTimeout = time.Hour // don't let the heartbeat loop interfere

	c := New(cfg, reg, nil)
	defer c.Close()

	result, err := c.Call(context.Background(), "EchoService", 0, "Ping", []string{"string"}, []any{"hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, result)
}

func TestClient_CallOneWayReturnsWithoutWaitingForResponse(t *testing.T) {
	addr := echoServer(t)
	reg := newTestRegistry(t, addr)

	cfg := DefaultConfig()
	cfg.IdleWriteTimeout = time.Hour

	c := New(cfg, reg, nil)
	defer c.Close()

	err := c.CallOneWay(context.Background(), "EchoService", 0, "Notify", nil, []any{"fire-and-forget"}, "")
	require.NoError(t, err)
}

func TestClient_CallAsyncCompletesFuture(t *testing.T) {
	addr := echoServer(t)
	reg := newTestRegistry(t, addr)

	cfg := DefaultConfig()
	cfg.IdleWriteTimeout = time.Hour

	c := New(cfg, reg, nil)
	defer c.Close()

	f := c.CallAsync(context.Background(), "EchoService", 0, "Ping", nil, []any{"async"}, "")

	result, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"async"}, result)
}

func TestClient_NoInstanceAvailableReturnsProtocolError(t *testing.T) {
	store := newMemStore()
	reg := discovery.NewRegistry(store, nil, nil)

	c := New(DefaultConfig(), reg, nil)
	defer c.Close()

	_, err := c.Call(context.Background(), "MissingService", 0, "X", nil, nil, "")
	require.Error(t, err)
}

func TestClient_OnServiceOfflineInvalidatesPooledConnections(t *testing.T) {
	addr := echoServer(t)
	reg := newTestRegistry(t, addr)

	cfg := DefaultConfig()
	cfg.IdleWriteTimeout = time.Hour

	c := New(cfg, reg, nil)
	defer c.Close()

	_, err := c.Call(context.Background(), "EchoService", 0, "Ping", nil, []any{"warm"}, "")
	require.NoError(t, err)

	c.addrMu.Lock()
	addr2, ok := c.addrByKey[discovery.ServiceKey("EchoService", 0)]
	c.addrMu.Unlock()
	require.True(t, ok)
	assert.Equal(t, addr, addr2)

	c.pool.mu.Lock()
	_, hadConns := c.pool.byAddr[addr]
	c.pool.mu.Unlock()
	require.True(t, hadConns)

	c.onServiceOffline(discovery.ServiceKey("EchoService", 0))

	c.pool.mu.Lock()
	_, stillThere := c.pool.byAddr[addr]
	c.pool.mu.Unlock()
	assert.False(t, stillThere, "offline hook should drop the pooled connections for the departed address")
}
