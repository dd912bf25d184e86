// Package client is a minimal protocol client for the data mover, used by
// the CLI probe and by tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/wire"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// StatusError is an error response from the server.
type StatusError struct {
	Code    wire.Code
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// IsNotFound reports whether err is a kNotFound response.
func IsNotFound(err error) bool {
	return HasCode(err, wire.CodeNotFound)
}

// HasCode reports whether err is a StatusError with code.
func HasCode(err error, code wire.Code) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client is one protocol connection. Requests are serialised; the server
// processes them in order anyway.
type Client struct {
	conn     net.Conn
	fw       *wire.FrameWriter
	fr       *wire.FrameReader
	mu       sync.Mutex
	stream   uint16
	maxFrame int
}

// Option configures Dial.
type Option func(*Client)

// WithMaxFrame sets the largest frame the client accepts.
func WithMaxFrame(n int) Option {
	return func(c *Client) { c.maxFrame = n }
}

// Dial connects to addr and completes the handshake.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New performs the handshake over an established connection.
func New(ctx context.Context, conn net.Conn, opts ...Option) (*Client, error) {
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	c.fw = wire.NewFrameWriter(conn, c.maxFrame)
	c.fr = wire.NewFrameReader(conn, c.maxFrame)

	restore := c.deadline(ctx)
	defer restore()
	if err := wire.WriteClientHandshake(conn); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	_, role, err := wire.ReadServerHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if role != wire.RoleDataServer {
		return nil, fmt.Errorf("handshake: unexpected server role %d", role)
	}
	return c, nil
}

func (c *Client) deadline(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(d)
		return func() { _ = c.conn.SetDeadline(time.Time{}) }
	}
	return func() {}
}

// Do sends req and collects the response, joining oksofar chunks.
func (c *Client) Do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	restore := c.deadline(ctx)
	defer restore()

	c.stream++
	req.Stream = c.stream
	if err := c.fw.Encode(req); err != nil {
		return nil, err
	}

	var out *wire.Response
	for {
		var resp wire.Response
		if err := c.fr.Decode(&resp); err != nil {
			return nil, err
		}
		if resp.Stream != req.Stream && resp.Stream != 0 {
			return nil, fmt.Errorf("response for stream %d while waiting for %d", resp.Stream, req.Stream)
		}
		if resp.Status == wire.StatusError {
			return nil, &StatusError{Code: resp.Code, Message: resp.Message}
		}
		if out == nil {
			out = &resp
		} else {
			out.Data = append(out.Data, resp.Data...)
			out.Status = resp.Status
		}
		if resp.Final() {
			return out, nil
		}
	}
}

// Login authenticates with token.
func (c *Client) Login(ctx context.Context, token string) error {
	_, err := c.Do(ctx, &wire.Request{Op: wire.OpLogin, Token: token})
	return err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, &wire.Request{Op: wire.OpPing})
	return err
}

// Open binds transfer id and returns its handle and expected size.
func (c *Client) Open(ctx context.Context, id types.TransferID, mode types.Mode) (uint32, int64, error) {
	resp, err := c.Do(ctx, &wire.Request{Op: wire.OpOpen, TransferID: id, Mode: mode})
	if err != nil {
		return 0, 0, err
	}
	return resp.Handle, resp.Size, nil
}

// Read fetches up to length bytes at offset.
func (c *Client) Read(ctx context.Context, handle uint32, offset int64, length int32) ([]byte, error) {
	resp, err := c.Do(ctx, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: offset, Length: length})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write sends data at offset.
func (c *Client) Write(ctx context.Context, handle uint32, offset int64, data []byte) error {
	_, err := c.Do(ctx, &wire.Request{Op: wire.OpWrite, Handle: handle, Offset: offset, Data: data})
	return err
}

// CloseTransfer finishes a transfer and returns the bytes the server moved.
func (c *Client) CloseTransfer(ctx context.Context, handle uint32) (int64, error) {
	resp, err := c.Do(ctx, &wire.Request{Op: wire.OpClose, Handle: handle})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Fetch reads archive transfer id into w.
func (c *Client) Fetch(ctx context.Context, id types.TransferID, w io.Writer, chunk int32) (int64, error) {
	handle, size, err := c.Open(ctx, id, types.ModeArchive)
	if err != nil {
		return 0, err
	}
	var off int64
	for size < 0 || off < size {
		data, err := c.Read(ctx, handle, off, chunk)
		if err != nil {
			return off, err
		}
		if len(data) == 0 {
			break
		}
		if _, err := w.Write(data); err != nil {
			return off, err
		}
		off += int64(len(data))
	}
	if _, err := c.CloseTransfer(ctx, handle); err != nil {
		return off, err
	}
	return off, nil
}

// Push writes r into retrieve transfer id.
func (c *Client) Push(ctx context.Context, id types.TransferID, r io.Reader, chunk int) (int64, error) {
	handle, _, err := c.Open(ctx, id, types.ModeRetrieve)
	if err != nil {
		return 0, err
	}
	if chunk <= 0 {
		chunk = 1 << 20
	}
	buf := make([]byte, chunk)
	var off int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := c.Write(ctx, handle, off, buf[:n]); err != nil {
				return off, err
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return off, rerr
		}
	}
	if _, err := c.CloseTransfer(ctx, handle); err != nil {
		return off, err
	}
	return off, nil
}
