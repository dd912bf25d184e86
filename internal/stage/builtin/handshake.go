package builtin

import (
	"context"
	"net"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// Handshake validates the client greeting and answers as a data server.
type Handshake struct {
	timeout time.Duration
}

func NewHandshake(timeout time.Duration) *Handshake {
	return &Handshake{timeout: timeout}
}

func (h *Handshake) Name() string { return stage.NameHandshake }

// Attach performs the exchange under a deadline, then clears it.
func (h *Handshake) Attach(ctx context.Context, conn net.Conn) error {
	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if _, err := wire.ReadClientHandshake(conn); err != nil {
		return err
	}
	if err := wire.WriteServerHandshake(conn, wire.RoleDataServer); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}
