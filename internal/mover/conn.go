package mover

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/ChuLiYu/nearline-mover/internal/logging"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// connTask serves one accepted connection on a pool worker.
type connTask struct {
	svc  *Service
	conn net.Conn
}

func (t *connTask) Run(ctx context.Context) {
	// A forced shutdown cancels ctx; closing the socket unblocks any read.
	stop := context.AfterFunc(ctx, func() { _ = t.conn.Close() })
	defer stop()
	defer t.conn.Close()

	reason := ""
	if err := t.svc.serve(ctx, t.conn); err != nil {
		var connErr *ConnError
		if errors.As(err, &connErr) {
			reason = connErr.Reason
		}
		t.svc.log.Info("connection closed with error", "error", err)
	}
	t.svc.metrics.ConnClosed(reason)
}

func (t *connTask) Discard() {
	_ = t.conn.Close()
	t.svc.metrics.ConnClosed("shutdown")
}

// serve runs the pipeline and converts any failure into a *ConnError.
func (s *Service) serve(ctx context.Context, conn net.Conn) (err error) {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	logger := logging.Session(s.log, id, remote)
	logger.Debug("connection accepted")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			err = &ConnError{Session: id, Remote: remote, Reason: "panic", Err: errors.New("panic in pipeline")}
		}
	}()

	p, err := s.builder.Build(conn, stage.NewSession(id, conn.RemoteAddr(), logger))
	if err != nil {
		return &ConnError{Session: id, Remote: remote, Reason: "setup", Err: err}
	}
	defer p.Release()
	logger.Debug("pipeline built", "stages", p.Names())

	if err := p.Serve(ctx); err != nil {
		return &ConnError{Session: id, Remote: remote, Reason: classify(ctx, err), Err: err}
	}
	logger.Debug("connection closed")
	return nil
}

func classify(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return "shutdown"
	case errors.Is(err, wire.ErrBadMagic), errors.Is(err, wire.ErrVersion):
		return "handshake"
	case wire.IsFatalFrameError(err):
		return "protocol"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
