// Package mover implements the connection-acceptance service of the
// nearline data mover and its request-resolution stage.
package mover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/metrics"
	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/stage/builtin"
	"github.com/ChuLiYu/nearline-mover/internal/worker"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Service accepts data connections and runs one pipeline per connection.
type Service struct {
	cfg      Config
	table    *pending.Table
	registry *stage.Registry
	metrics  *metrics.Collector
	log      *slog.Logger

	mu         sync.Mutex
	state      state
	ln         net.Listener
	builder    *stage.Builder
	pool       *worker.Pool
	acceptDone chan struct{}
	cancel     context.CancelFunc
}

// New creates a service serving items from table. Nothing is bound until
// Start.
func New(cfg Config, table *pending.Table, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		table:    table,
		registry: stage.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "mover")
	return s
}

// Start resolves every configured stage, binds the listener and starts
// accepting. It returns once the socket accepts connections.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	builder, err := stage.NewBuilder(s.env())
	if err != nil {
		return &StartupError{Op: "resolve stages", Err: err}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			err = fmt.Errorf("%w: %w", ErrAddressInUse, err)
		}
		return &StartupError{Op: "listen", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pool := worker.NewPool(s.cfg.Backlog)
	pool.OnPanic = func(_ worker.Task, r any) {
		s.log.Error("connection handler panicked", "panic", r)
	}
	if err := pool.Start(runCtx, s.cfg.Workers); err != nil {
		cancel()
		_ = ln.Close()
		return &StartupError{Op: "start workers", Err: err}
	}

	s.ln = ln
	s.builder = builder
	s.pool = pool
	s.cancel = cancel
	s.acceptDone = make(chan struct{})
	s.state = stateRunning

	go s.acceptLoop(ln, pool, s.acceptDone)

	s.log.Info(ServiceName+" started",
		"address", ln.Addr().String(),
		"stages", builder.Names(),
		"workers", s.cfg.Workers)
	return nil
}

func (s *Service) env() stage.Env {
	fixed := builtin.Constructors(builtin.Config{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		MaxFrame:         s.cfg.MaxFrame,
		ChunkSize:        s.cfg.ChunkSize,
	})
	fixed[stage.NameResolve] = func(opts stage.Options) (stage.Factory, error) {
		maxRead, err := opts.Int("max_read", s.cfg.MaxRead)
		if err != nil {
			return nil, err
		}
		return stage.FactoryFunc(stage.NameResolve, func() (stage.Stage, error) {
			return newResolver(s.table, s.metrics, maxRead), nil
		}), nil
	}
	return stage.Env{
		Stages:      s.cfg.Stages,
		Fixed:       fixed,
		Registry:    s.registry,
		Verbose:     s.cfg.Verbose,
		IdleTimeout: s.cfg.IdleTimeout,
		Logger:      s.log,
	}
}

func (s *Service) acceptLoop(ln net.Listener, pool *worker.Pool, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.tune(conn)
		s.metrics.ConnAccepted()

		task := &connTask{svc: s, conn: conn}
		if err := pool.Submit(task); err != nil {
			task.Discard()
		}
	}
}

func (s *Service) tune(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	if s.cfg.KeepAlive > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(s.cfg.KeepAlive)
	}
}

// Stop closes the listener, waits up to the shutdown grace period for
// connections to finish and then closes the rest. Stopping a service that
// is not running does nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	ln, pool, acceptDone, cancel := s.ln, s.pool, s.acceptDone, s.cancel
	s.mu.Unlock()

	s.log.Info("stopping " + ServiceName)
	_ = ln.Close()

	graceCtx, graceCancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer graceCancel()
	if err := pool.Stop(graceCtx); err != nil {
		s.log.Warn("shutdown grace period elapsed, connections closed", "error", err)
	}
	<-acceptDone
	cancel()

	s.log.Info(ServiceName + " stopped")
	return ctx.Err()
}

// LocalAddr returns the bound address.
func (s *Service) LocalAddr() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return nil, ErrNotStarted
	}
	return s.ln.Addr(), nil
}

// Stages returns the resolved pipeline order, or nil before Start.
func (s *Service) Stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder == nil {
		return nil
	}
	return s.builder.Names()
}
