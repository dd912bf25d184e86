package builtin

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// Logger traces requests and responses at debug level.
type Logger struct {
	payloads bool
}

func NewLogger(payloads bool) *Logger { return &Logger{payloads: payloads} }

func (l *Logger) Name() string { return stage.NameLogger }

func (l *Logger) Handle(ctx context.Context, sess *stage.Session, req *wire.Request, next stage.Next) error {
	attrs := []any{
		"stream", req.Stream,
		"op", req.Op,
		"transfer_id", req.TransferID,
		"handle", req.Handle,
		"offset", req.Offset,
		"length", req.Length,
		"data_len", len(req.Data),
	}
	if l.payloads && len(req.Data) > 0 {
		attrs = append(attrs, "data", req.Data)
	}
	sess.Logger.DebugContext(ctx, "inbound request", attrs...)
	return next(ctx, req)
}

func (l *Logger) WrapWriter(sess *stage.Session, w stage.ResponseWriter) stage.ResponseWriter {
	return &loggingWriter{next: w, log: sess.Logger, payloads: l.payloads}
}

type loggingWriter struct {
	next     stage.ResponseWriter
	log      *slog.Logger
	payloads bool
}

func (w *loggingWriter) WriteResponse(resp *wire.Response) error {
	attrs := []any{
		"stream", resp.Stream,
		"status", resp.Status,
		"code", resp.Code,
		"size", resp.Size,
		"data_len", len(resp.Data),
	}
	if resp.Message != "" {
		attrs = append(attrs, "message", resp.Message)
	}
	if w.payloads && len(resp.Data) > 0 {
		attrs = append(attrs, "data", resp.Data)
	}
	w.log.Debug("outbound response", attrs...)
	return w.next.WriteResponse(resp)
}
