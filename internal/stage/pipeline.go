package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// Pipeline is the ordered set of stage instances bound to one connection.
type Pipeline struct {
	conn        net.Conn
	sess        *Session
	idleTimeout time.Duration

	names    []string
	stages   []Stage
	conns    []ConnStage
	decoder  DecodeStage
	encoder  EncodeStage
	inbound  []InboundStage
	outbound []OutboundStage
	released bool
}

// Build instantiates a fresh pipeline for conn. Stages already created are
// released when a later factory fails.
func (b *Builder) Build(conn net.Conn, sess *Session) (*Pipeline, error) {
	p := &Pipeline{conn: conn, sess: sess, idleTimeout: b.env.IdleTimeout}
	for _, rs := range b.stages {
		s, err := rs.factory.NewStage()
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("stage %q: %w", rs.name, err)
		}
		p.names = append(p.names, rs.name)
		p.stages = append(p.stages, s)
		p.classify(rs.name, s)
	}
	if p.decoder == nil || p.encoder == nil {
		p.Release()
		return nil, errors.New("stage: pipeline has no codec")
	}
	return p, nil
}

func (p *Pipeline) classify(name string, s Stage) {
	switch name {
	case NameDecode:
		if d, ok := s.(DecodeStage); ok {
			p.decoder = d
		}
		return
	case NameEncode:
		if e, ok := s.(EncodeStage); ok {
			p.encoder = e
		}
		return
	}
	if c, ok := s.(ConnStage); ok {
		p.conns = append(p.conns, c)
	}
	if in, ok := s.(InboundStage); ok {
		p.inbound = append(p.inbound, in)
	}
	if out, ok := s.(OutboundStage); ok {
		p.outbound = append(p.outbound, out)
	}
}

// Names returns the stage names in pipeline order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Serve runs the connection until the peer disconnects, ctx is cancelled or
// a stage fails. A clean end of stream returns nil.
func (p *Pipeline) Serve(ctx context.Context) error {
	for _, c := range p.conns {
		if err := c.Attach(ctx, p.conn); err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}

	var out ResponseWriter = p.encoder.NewEncoder(p.conn)
	for _, o := range p.outbound {
		out = o.WrapWriter(p.sess, out)
	}
	p.sess.SetWriter(out)

	dispatch := p.chain()
	in := p.decoder.NewDecoder(p.conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.idleTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout))
		}
		req, err := in.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var frameErr *wire.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				if rerr := p.sess.Reply(&wire.Response{
					Status:  wire.StatusError,
					Code:    wire.CodeInvalidReq,
					Message: frameErr.Error(),
				}); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}
		if err := dispatch(ctx, req); err != nil {
			return err
		}
	}
}

// chain links the inbound stages. A request falling off the end is
// answered as unsupported.
func (p *Pipeline) chain() Next {
	next := Next(func(_ context.Context, req *wire.Request) error {
		return p.sess.Reply(wire.Errorf(req, wire.CodeUnsupported, "operation %q not handled", req.Op))
	})
	for i := len(p.inbound) - 1; i >= 0; i-- {
		s, tail := p.inbound[i], next
		next = func(ctx context.Context, req *wire.Request) error {
			return s.Handle(ctx, p.sess, req, tail)
		}
	}
	return next
}

// Release frees per-connection stage resources in reverse order. Safe to
// call more than once.
func (p *Pipeline) Release() {
	if p.released {
		return
	}
	p.released = true
	for i := len(p.stages) - 1; i >= 0; i-- {
		if r, ok := p.stages[i].(Releaser); ok {
			r.Release()
		}
	}
}
