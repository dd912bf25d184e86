package stage

import (
	"errors"
	"log/slog"
	"net"

	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// ErrNoWriter is returned by Session.Reply before the pipeline has an
// encoder, i.e. during the handshake.
var ErrNoWriter = errors.New("stage: session has no response writer")

// Session is the per-connection state visible to stages. Exactly one
// goroutine drives a session, so it needs no locking.
type Session struct {
	ID     string
	Remote net.Addr
	Logger *slog.Logger

	out       ResponseWriter
	principal string
	authed    bool
}

// NewSession returns a session for one accepted connection.
func NewSession(id string, remote net.Addr, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{ID: id, Remote: remote, Logger: logger}
}

// SetWriter installs the outbound chain. The pipeline calls it once the
// handshake is done.
func (s *Session) SetWriter(w ResponseWriter) {
	s.out = w
}

// Reply sends resp through the outbound chain.
func (s *Session) Reply(resp *wire.Response) error {
	if s.out == nil {
		return ErrNoWriter
	}
	return s.out.WriteResponse(resp)
}

// Authenticate marks the session as belonging to principal.
func (s *Session) Authenticate(principal string) {
	s.principal = principal
	s.authed = true
}

// Authenticated reports whether an authentication stage accepted the peer.
func (s *Session) Authenticated() bool {
	return s.authed
}

// Principal returns the authenticated identity, or "".
func (s *Session) Principal() string {
	return s.principal
}
