package rpcserver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/rpcserver"
	"github.com/stonegate/slgcore/pkg/wire"
)

func startServer(t *testing.T, cfg rpcserver.Config) (*rpcserver.Server, string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg.ListenAddr = addr

	s := rpcserver.New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() { errCh <- s.ListenAndServe(ctx) }()

	// wait for the listener to actually bind
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()

		return true
	}, 2*time.Second, 10*time.Millisecond)

	return s, addr, func() {
		cancel()
		<-errCh
	}
}

func dialAndSend(t *testing.T, addr string, req wire.RpcRequest, msgType wire.MsgType) wire.RpcResponse {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 1024)
	frame, err := codec.Encode(msgType, req.ReqID, req)
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	framer := wire.NewFramer(conn)
	respFrame, err := framer.ReadFrame()
	require.NoError(t, err)

	var resp wire.RpcResponse
	_, err = wire.Decode(respFrame, &resp)
	require.NoError(t, err)

	return resp
}

func TestServer_DispatchesRegisteredHandler(t *testing.T) {
	cfg := rpcserver.DefaultConfig()
	cfg.ServiceKey = "EchoService#0"

	s, addr, stop := startServer(t, cfg)
	defer stop()

	s.RegisterHandler("EchoService#0", "Ping", func(_ context.Context, params []any) (any, error) {
		return params, nil
	})

	resp := dialAndSend(t, addr, wire.RpcRequest{
		ReqID: 1, Iface: "EchoService", Method: "Ping", ServerID: 0, Params: []any{"hi"},
	}, wire.MsgRequest)

	require.Nil(t, resp.Error)
	assert.Equal(t, uint64(1), resp.ReqID)
}

func TestServer_UnknownMethodReturnsProtocolError(t *testing.T) {
	cfg := rpcserver.DefaultConfig()
	cfg.ServiceKey = "EchoService#0"

	_, addr, stop := startServer(t, cfg)
	defer stop()

	resp := dialAndSend(t, addr, wire.RpcRequest{
		ReqID: 2, Iface: "EchoService", Method: "Missing", ServerID: 0,
	}, wire.MsgRequest)

	require.NotNil(t, resp.Error)
}

func TestServer_HandlerErrorSurfacesAsBusinessError(t *testing.T) {
	cfg := rpcserver.DefaultConfig()
	cfg.ServiceKey = "EchoService#0"

	s, addr, stop := startServer(t, cfg)
	defer stop()

	s.RegisterHandler("EchoService#0", "Fail", func(_ context.Context, _ []any) (any, error) {
		return nil, slgerrors.BusinessError{ClassName: "InsufficientGold", Message: "not enough gold"}
	})

	resp := dialAndSend(t, addr, wire.RpcRequest{
		ReqID: 3, Iface: "EchoService", Method: "Fail", ServerID: 0,
	}, wire.MsgRequest)

	require.NotNil(t, resp.Error)
	assert.Equal(t, "InsufficientGold", resp.Error.ClassName)
}

func TestServer_HeartbeatIsEchoedInline(t *testing.T) {
	cfg := rpcserver.DefaultConfig()
	cfg.ServiceKey = "EchoService#0"

	_, addr, stop := startServer(t, cfg)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	h := wire.Header{Magic: wire.Magic, MsgType: wire.MsgHeartbeat, MsgID: 7}
	_, err = conn.Write(h.Encode())
	require.NoError(t, err)

	framer := wire.NewFramer(conn)
	frame, err := framer.ReadFrame()
	require.NoError(t, err)

	got, err := wire.DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgHeartbeat, got.MsgType)
}

func TestServer_OneWayRequestGetsNoResponse(t *testing.T) {
	cfg := rpcserver.DefaultConfig()
	cfg.ServiceKey = "EchoService#0"

	s, addr, stop := startServer(t, cfg)
	defer stop()

	called := make(chan struct{}, 1)
	s.RegisterHandler("EchoService#0", "Notify", func(_ context.Context, _ []any) (any, error) {
		called <- struct{}{}
		return nil, nil
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 1024)
	frame, err := codec.Encode(wire.MsgOneWay, 9, wire.RpcRequest{ReqID: 9, Iface: "EchoService", Method: "Notify", ServerID: 0, OneWay: true})
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("one-way handler was never invoked")
	}
}
