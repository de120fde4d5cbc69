package rpcserver

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/stonegate/slgcore/internal/obs"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/wire"
)

// serveConn runs one connection's full pipeline: read a frame, dispatch it
// (inline for heartbeats, on the worker pool for requests), write the
// response with the original reqId. Idle-read beyond cfg.IdleReadTimeout
// closes the channel (spec.md §4.6).
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
	}()

	framer := wire.NewFramer(conn)
	codec := wire.NewCodec(wire.JSONSerializer{}, wire.GzipCompressor{}, 1024)

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}

	write := func(frame []byte) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()

		_, err := conn.Write(frame)

		return err
	}

	for {
		if s.cfg.IdleReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleReadTimeout))
		}

		frame, err := framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnf("rpcserver: read %s: %v", conn.RemoteAddr(), err)
			}

			return
		}

		h, err := wire.DecodeHeader(frame)
		if err != nil {
			s.logger.Warnf("rpcserver: bad frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		if h.MsgType == wire.MsgHeartbeat {
			if err := write(frame); err != nil {
				return
			}

			continue
		}

		var req wire.RpcRequest
		if _, err := wire.Decode(frame, &req); err != nil {
			s.logger.Warnf("rpcserver: decode request from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		s.dispatch(req, write, codec)
	}
}

// dispatch resolves and runs req's handler on the shared worker pool so a
// slow business method does not block this connection's read loop from
// decoding/replying to heartbeats (spec.md §5 "shared bounded worker
// executor"). When the pool's queue is full the handler runs inline on the
// read loop instead.
func (s *Server) dispatch(req wire.RpcRequest, write func([]byte) error, codec *wire.Codec) {
	job := func() {
		start := time.Now()

		h, ok := s.handler(discovery.ServiceKey(req.Iface, req.ServerID), req.Method)
		if !ok {
			if req.OneWay {
				return
			}

			s.writeError(req, write, codec, slgerrors.ProtocolError{
				ServiceKey: req.Iface, Method: req.Method, Message: "no handler registered",
			})

			return
		}

		result, err := h(context.Background(), req.Params)

		obs.RPCServerLatency.WithLabelValues(req.Iface, req.Method).Observe(time.Since(start).Seconds())

		if req.OneWay {
			return
		}

		if err != nil {
			s.writeError(req, write, codec, err)
			return
		}

		frame, encErr := codec.Encode(wire.MsgResponse, req.ReqID, wire.RpcResponse{ReqID: req.ReqID, Result: result})
		if encErr != nil {
			s.logger.Errorf("rpcserver: encode response for %s.%s: %v", req.Iface, req.Method, encErr)
			return
		}

		if err := write(frame); err != nil {
			s.logger.Warnf("rpcserver: write response for %s.%s: %v", req.Iface, req.Method, err)
		}
	}

	select {
	case s.work <- job:
	default:
		// worker pool saturated: run inline rather than drop the request.
		job()
	}
}

func (s *Server) writeError(req wire.RpcRequest, write func([]byte) error, codec *wire.Codec, err error) {
	detail := wire.RpcErrorDetail{ClassName: "BusinessError", Message: err.Error()}

	var be slgerrors.BusinessError
	if errors.As(err, &be) {
		detail.ClassName = be.ClassName
		detail.Stack = be.Stack
	}

	var pe slgerrors.ProtocolError
	if errors.As(err, &pe) {
		detail.ClassName = "ProtocolError"
	}

	frame, encErr := codec.Encode(wire.MsgResponse, req.ReqID, wire.RpcResponse{ReqID: req.ReqID, Error: &detail})
	if encErr != nil {
		s.logger.Errorf("rpcserver: encode error response for %s.%s: %v", req.Iface, req.Method, encErr)
		return
	}

	if werr := write(frame); werr != nil {
		s.logger.Warnf("rpcserver: write error response for %s.%s: %v", req.Iface, req.Method, werr)
	}
}
