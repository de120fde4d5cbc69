package gate

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/internal/slgerrors"
	"github.com/stonegate/slgcore/pkg/rpcclient"
	"github.com/stonegate/slgcore/pkg/wire"
)

// Config is the gate listener's tuning surface (spec.md §6).
type Config struct {
	ListenAddr      string
	IdleReadTimeout time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sane gate listener defaults, matching
// pkg/rpcserver's.
func DefaultConfig() Config {
	return Config{IdleReadTimeout: 60 * time.Second, ShutdownTimeout: 10 * time.Second}
}

// MigrationFunc triggers a player migration. Defined locally (rather than
// importing pkg/migration's Coordinator) to avoid a gate<->migration
// import cycle: migration.Coordinator already imports *gate.Session.
// params is the client's raw wire request params; kind is "WORLD", "GAME",
// or "FULL".
type MigrationFunc func(ctx context.Context, session *Session, kind string, params []any) (any, error)

// Gate is the client-facing half of C8: one TCP listener per process,
// one Session per accepted connection, every request routed through
// Router before being forwarded to the resolved backend over client
// (spec.md §2's primary flow: "client msg -> C8 -> target RPC client ->
// C4/C5 -> remote C6 -> handler").
type Gate struct {
	cfg     Config
	router  *Router
	client  *rpcclient.Client
	migrate MigrationFunc
	logger  mlog.Logger

	ln net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// New builds a Gate. client is the rpcclient.Client used to forward routed
// requests to game/world/login/alliance backends. migrate may be nil to
// disable the local "Migrate" control method.
func New(cfg Config, router *Router, client *rpcclient.Client, migrate MigrationFunc, logger mlog.Logger) *Gate {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &Gate{cfg: cfg, router: router, client: client, migrate: migrate, logger: logger, conns: map[net.Conn]struct{}{}}
}

// ListenAndServe binds cfg.ListenAddr and accepts client connections until
// ctx is cancelled.
func (g *Gate) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return err
	}

	g.ln = ln

	g.logger.Infof("gate: listening on %s", g.cfg.ListenAddr)

	acceptErr := make(chan error, 1)

	go func() {
		acceptErr <- g.acceptLoop(ln)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-acceptErr:
		return err
	}
}

func (g *Gate) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		g.connsMu.Lock()
		g.conns[conn] = struct{}{}
		g.connsMu.Unlock()

		g.wg.Add(1)

		go g.serveConn(conn)
	}
}

func (g *Gate) shutdown() error {
	deadline := g.cfg.ShutdownTimeout
	if deadline <= 0 {
		deadline = DefaultConfig().ShutdownTimeout
	}

	_ = g.ln.Close()

	done := make(chan struct{})

	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		g.connsMu.Lock()
		for c := range g.conns {
			_ = c.Close()
		}
		g.connsMu.Unlock()

		return errors.New("gate: shutdown timed out, forced connection close")
	}
}

// serveConn owns one Session for conn's lifetime: Session.Disconnect runs
// when the client drops, whatever the connection's last state was.
func (g *Gate) serveConn(conn net.Conn) {
	defer g.wg.Done()

	session := NewSession()

	defer func() {
		session.Disconnect()

		g.connsMu.Lock()
		delete(g.conns, conn)
		g.connsMu.Unlock()

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
		if g.cfg.IdleReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(g.cfg.IdleReadTimeout))
		}

		frame, err := framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Warnf("gate: read %s: %v", conn.RemoteAddr(), err)
			}

			return
		}

		h, err := wire.DecodeHeader(frame)
		if err != nil {
			g.logger.Warnf("gate: bad frame from %s: %v", conn.RemoteAddr(), err)
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
			g.logger.Warnf("gate: decode request from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		g.dispatch(session, req, write, codec)
	}
}

// dispatch runs Router.Route using req.ServerID as the protocol id (this
// listener's own client protocol has no separate field for it, so the
// numeric protoId travels in the wire request's ServerID field — the same
// slot pkg/rpcserver uses for an inter-service instance selector, since
// the two listeners never share a connection).
func (g *Gate) dispatch(session *Session, req wire.RpcRequest, write func([]byte) error, codec *wire.Codec) {
	if req.Method == "Authenticate" {
		g.handleAuthenticate(session, req, write, codec)
		return
	}

	result := g.router.Route(context.Background(), session, int(req.ServerID))

	switch result.Code {
	case CodeAuthRequired:
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "authentication required"})
		return
	case CodeMigrating:
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "session is migrating"})
		return
	case CodeNoTarget:
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "no address resolved for target"})
		return
	}

	if result.Target == TargetLocal {
		g.dispatchLocal(session, req, write, codec)
		return
	}

	iface, serverID := targetIfaceAndServerID(session, result.Target)
	routingKey := strconv.FormatInt(session.PlayerID(), 10)

	if req.OneWay {
		_ = g.client.CallOneWay(context.Background(), iface, serverID, req.Method, req.ParamTypes, req.Params, routingKey)
		return
	}

	res, err := g.client.Call(context.Background(), iface, serverID, req.Method, req.ParamTypes, req.Params, routingKey)
	if err != nil {
		g.writeError(req, write, codec, err)
		return
	}

	g.writeResult(req, write, codec, res)
}

// dispatchLocal handles TargetLocal methods: "Migrate" drives the
// migration coordinator; anything else is a liveness ack.
func (g *Gate) dispatchLocal(session *Session, req wire.RpcRequest, write func([]byte) error, codec *wire.Codec) {
	if req.Method != "Migrate" {
		g.writeResult(req, write, codec, map[string]any{"ok": true})
		return
	}

	if g.migrate == nil {
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "migration disabled"})
		return
	}

	if len(req.Params) == 0 {
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "missing migration kind"})
		return
	}

	kind, _ := req.Params[0].(string)

	result, err := g.migrate(context.Background(), session, kind, req.Params[1:])
	if err != nil {
		g.writeError(req, write, codec, err)
		return
	}

	g.writeResult(req, write, codec, result)
}

func (g *Gate) handleAuthenticate(session *Session, req wire.RpcRequest, write func([]byte) error, codec *wire.Codec) {
	if len(req.Params) == 0 {
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "missing playerId"})
		return
	}

	playerID, ok := toInt64(req.Params[0])
	if !ok || !session.Authenticate(playerID) {
		g.writeError(req, write, codec, slgerrors.ProtocolError{ServiceKey: "gate", Method: req.Method, Message: "authenticate failed"})
		return
	}

	g.writeResult(req, write, codec, map[string]any{"playerId": playerID})
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func targetIfaceAndServerID(session *Session, target Target) (string, int64) {
	switch target {
	case TargetGame:
		return "GameService", session.GameServerID()
	case TargetWorld:
		return "WorldService", session.WorldServerID()
	case TargetAlliance:
		return "AllianceService", 0
	default:
		return "LoginService", 0
	}
}

func (g *Gate) writeResult(req wire.RpcRequest, write func([]byte) error, codec *wire.Codec, result any) {
	frame, err := codec.Encode(wire.MsgResponse, req.ReqID, wire.RpcResponse{ReqID: req.ReqID, Result: result})
	if err != nil {
		g.logger.Errorf("gate: encode response for %s: %v", req.Method, err)
		return
	}

	if err := write(frame); err != nil {
		g.logger.Warnf("gate: write response for %s: %v", req.Method, err)
	}
}

func (g *Gate) writeError(req wire.RpcRequest, write func([]byte) error, codec *wire.Codec, err error) {
	detail := wire.RpcErrorDetail{ClassName: "ProtocolError", Message: err.Error()}

	var pe slgerrors.ProtocolError
	if errors.As(err, &pe) {
		detail.Message = pe.Message
	}

	frame, encErr := codec.Encode(wire.MsgResponse, req.ReqID, wire.RpcResponse{ReqID: req.ReqID, Error: &detail})
	if encErr != nil {
		g.logger.Errorf("gate: encode error response for %s: %v", req.Method, encErr)
		return
	}

	if werr := write(frame); werr != nil {
		g.logger.Warnf("gate: write error response for %s: %v", req.Method, werr)
	}
}
