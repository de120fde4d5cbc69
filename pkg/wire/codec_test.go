package wire_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/wire"
)

func TestCodec_RoundTripRequest(t *testing.T) {
	codec := wire.NewCodec(wire.JSONSerializer{}, nil, 0)

	req := wire.RpcRequest{ReqID: 42, Iface: "PlayerService", Method: "GetLevel", ParamTypes: []string{"long"}, Params: []any{float64(1001)}}

	frame, err := codec.Encode(wire.MsgRequest, req.ReqID, req)
	require.NoError(t, err)

	var got wire.RpcRequest
	h, err := wire.Decode(frame, &got)
	require.NoError(t, err)

	assert.Equal(t, wire.MsgRequest, h.MsgType)
	assert.Equal(t, uint64(42), h.MsgID)
	assert.Equal(t, wire.CompressNone, h.CompressID)
	assert.Equal(t, req.Iface, got.Iface)
	assert.Equal(t, req.Method, got.Method)
}

func TestCodec_CompressesAboveThreshold(t *testing.T) {
	codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 16)

	req := wire.RpcRequest{ReqID: 1, Iface: "X", Method: strings.Repeat("y", 200)}

	frame, err := codec.Encode(wire.MsgRequest, req.ReqID, req)
	require.NoError(t, err)

	var got wire.RpcRequest
	h, err := wire.Decode(frame, &got)
	require.NoError(t, err)

	assert.Equal(t, wire.CompressGzip, h.CompressID)
	assert.Equal(t, req.Method, got.Method)
}

func TestCodec_SkipsCompressionWhenItDoesNotShrink(t *testing.T) {
	codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 0)

	// A payload this tiny can never shrink under gzip: its fixed header and
	// CRC footer alone exceed 3 bytes.
	frame, err := codec.Encode(wire.MsgRequest, 1, "x")
	require.NoError(t, err)

	h, err := wire.DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.CompressNone, h.CompressID, "gzipping a tiny payload should not shrink it, so NONE is kept")
}

func TestDecodeHeader_RejectsBadMagic(t *testing.T) {
	buf := make([]byte, wire.HeaderSize)
	buf[0] = 0xFF

	_, err := wire.DecodeHeader(buf)
	assert.Error(t, err)
}

func TestDecodeHeader_RejectsOversizeLength(t *testing.T) {
	h := wire.Header{Magic: wire.Magic, Length: wire.MaxFrameLength + 1}
	buf := h.Encode()

	_, err := wire.DecodeHeader(buf)
	assert.Error(t, err)
}

func TestFramer_ReadsExactlyOneFrameAtATime(t *testing.T) {
	codec := wire.NewCodec(wire.JSONSerializer{}, nil, 0)

	f1, err := codec.Encode(wire.MsgRequest, 1, wire.RpcRequest{ReqID: 1, Method: "a"})
	require.NoError(t, err)
	f2, err := codec.Encode(wire.MsgRequest, 2, wire.RpcRequest{ReqID: 2, Method: "b"})
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, f1...), f2...))
	framer := wire.NewFramer(stream)

	got1, err := framer.ReadFrame()
	require.NoError(t, err)
	got2, err := framer.ReadFrame()
	require.NoError(t, err)

	var r1, r2 wire.RpcRequest
	_, err = wire.Decode(got1, &r1)
	require.NoError(t, err)
	_, err = wire.Decode(got2, &r2)
	require.NoError(t, err)

	assert.Equal(t, "a", r1.Method)
	assert.Equal(t, "b", r2.Method)
}

func TestFramer_HeartbeatHasEmptyPayload(t *testing.T) {
	h := wire.Header{Magic: wire.Magic, MsgType: wire.MsgHeartbeat, MsgID: 7}
	frame := h.Encode()

	framer := wire.NewFramer(bytes.NewReader(frame))
	got, err := framer.ReadFrame()
	require.NoError(t, err)

	decoded, err := wire.Decode(got, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgHeartbeat, decoded.MsgType)
	assert.Equal(t, uint64(7), decoded.MsgID)
}
