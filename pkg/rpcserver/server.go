// Package rpcserver is the RPC server core (C6): a TCP listener accepting
// connections that each run a decode -> heartbeat -> dispatch pipeline,
// dispatching business methods on a shared bounded worker pool, with
// discovery registration on startup and drained unregistration on shutdown
// (spec.md §4.6).
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stonegate/slgcore/internal/mlog"
	"github.com/stonegate/slgcore/pkg/discovery"
	"github.com/stonegate/slgcore/pkg/wire"
)

// Handler is one registered business method, run on the shared worker
// pool. It is looked up by service key and method name only; a request's
// paramTypes take no part in the lookup.
type Handler func(ctx context.Context, params []any) (any, error)

// methodKey is how a Handler is looked up: the interfaceName#serverId
// service key plus the method name.
type methodKey struct {
	serviceKey string
	method     string
}

// Config is the server tuning surface (spec.md §6).
type Config struct {
	ListenAddr      string
	ServiceKey      string // interfaceName#serverId this listener answers for
	AdvertiseAddr   string // address published to discovery; defaults to ListenAddr
	Weight          int
	IdleReadTimeout time.Duration
	ShutdownTimeout time.Duration
	WorkerPoolSize  int
	DrainTime       time.Duration
}

// DefaultConfig returns spec.md-sane server defaults.
func DefaultConfig() Config {
	return Config{
		IdleReadTimeout: 60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		WorkerPoolSize:  64,
		DrainTime:       3 * time.Second,
		Weight:          1,
	}
}

// Server is the RPC server core (C6).
type Server struct {
	cfg       Config
	logger    mlog.Logger
	discovery *discovery.Registry

	mu       sync.RWMutex
	handlers map[methodKey]Handler

	work chan func()

	ln net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New builds a Server. discoveryRegistry may be nil in tests that never
// call ListenAndServe's discovery registration path.
func New(cfg Config, discoveryRegistry *discovery.Registry, logger mlog.Logger) *Server {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}

	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		discovery: discoveryRegistry,
		handlers:  map[methodKey]Handler{},
		work:      make(chan func(), cfg.WorkerPoolSize*4),
		conns:     map[net.Conn]struct{}{},
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		go s.runWorker()
	}

	return s
}

func (s *Server) runWorker() {
	for fn := range s.work {
		fn()
	}
}

// RegisterHandler exposes method under serviceKey, dispatched by name; this
// implementation resolves overloads by name alone (paramTypes travel with
// the request for the handler's own use, matching how the teacher's
// reflection-free RPC dispatch tables key on name).
func (s *Server) RegisterHandler(serviceKey, method string, h Handler) {
	s.mu.Lock()
	s.handlers[methodKey{serviceKey: serviceKey, method: method}] = h
	s.mu.Unlock()
}

func (s *Server) handler(serviceKey, method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.handlers[methodKey{serviceKey: serviceKey, method: method}]

	return h, ok
}

// ListenAndServe binds cfg.ListenAddr, registers in discovery, and accepts
// connections until ctx is cancelled, at which point it unregisters,
// drains, and closes within cfg.ShutdownTimeout (spec.md §4.6).
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", s.cfg.ListenAddr, err)
	}

	s.ln = ln

	if s.discovery != nil {
		inst := discovery.ServiceInstance{
			ServiceKey: s.cfg.ServiceKey,
			Address:    s.cfg.AdvertiseAddr,
			Weight:     s.cfg.Weight,
		}

		if err := s.discovery.Register(ctx, inst); err != nil {
			_ = ln.Close()
			return fmt.Errorf("rpcserver: register %s: %w", s.cfg.ServiceKey, err)
		}
	}

	s.logger.Infof("rpcserver: listening on %s for %s", s.cfg.ListenAddr, s.cfg.ServiceKey)

	acceptErr := make(chan error, 1)

	go func() {
		acceptErr <- s.acceptLoop(ln)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-acceptErr:
		return err
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("rpcserver: accept: %w", err)
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)

		go s.serveConn(conn)
	}
}

// shutdown unregisters from discovery, stops accepting, and waits up to
// cfg.ShutdownTimeout for in-flight connections to drain before force-
// closing whatever remains (spec.md §4.6 "unregisters, drains, and closes
// within a shutdown timeout").
func (s *Server) shutdown() error {
	if s.discovery != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.discovery.Unregister(drainCtx, s.cfg.ServiceKey, s.cfg.DrainTime); err != nil {
			s.logger.Warnf("rpcserver: unregister %s: %v", s.cfg.ServiceKey, err)
		}
	}

	_ = s.ln.Close()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	var g errgroup.Group

	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-time.After(s.cfg.ShutdownTimeout):
			s.closeAllConns()
			return errors.New("rpcserver: shutdown timeout exceeded, forced remaining connections closed")
		}
	})

	err := g.Wait()

	close(s.work)

	return err
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	for c := range s.conns {
		_ = c.Close()
	}
}
