package mover

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/metrics"
	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// transfer is one open work item on a connection.
type transfer struct {
	item    pending.Item
	handle  uint32
	state   types.State
	source  pending.Source
	sink    pending.Sink
	started time.Time

	covered    extents // archive: distinct byte ranges sent
	next       int64   // next sequential offset
	sequential bool    // every read/write so far was in order
	sum        hash.Hash32
}

// moved is the number of distinct bytes sent or received.
func (t *transfer) moved() int64 {
	if t.item.Mode() == types.ModeArchive {
		return t.covered.total()
	}
	return t.next
}

// resolver is the last stage of every pipeline. It binds open requests to
// pending work items and streams their data. One instance serves one
// connection.
type resolver struct {
	table   *pending.Table
	metrics *metrics.Collector
	maxRead int

	owner      string
	log        *slog.Logger
	nextHandle uint32
	transfers  map[uint32]*transfer
	byID       map[types.TransferID]uint32
}

func newResolver(table *pending.Table, m *metrics.Collector, maxRead int) *resolver {
	return &resolver{
		table:     table,
		metrics:   m,
		maxRead:   maxRead,
		transfers: make(map[uint32]*transfer),
		byID:      make(map[types.TransferID]uint32),
	}
}

func (r *resolver) Name() string { return stage.NameResolve }

// Handle answers every request that reaches the end of the pipeline.
// Transfer failures are reported to the peer and to the work item; they
// never close the connection.
func (r *resolver) Handle(ctx context.Context, sess *stage.Session, req *wire.Request, _ stage.Next) error {
	if r.log == nil {
		r.owner = sess.ID
		r.log = sess.Logger
	}

	switch req.Op {
	case wire.OpPing, wire.OpLogin:
		return sess.Reply(wire.OK(req))
	case wire.OpOpen:
		return sess.Reply(r.open(ctx, req))
	case wire.OpRead:
		return sess.Reply(r.read(req))
	case wire.OpWrite:
		return sess.Reply(r.write(req))
	case wire.OpClose:
		return sess.Reply(r.close(req))
	default:
		return sess.Reply(wire.Errorf(req, wire.CodeUnsupported, "unsupported operation %q", req.Op))
	}
}

func (r *resolver) open(ctx context.Context, req *wire.Request) *wire.Response {
	id := req.TransferID
	if id == "" {
		return wire.Errorf(req, wire.CodeArgInvalid, "transfer id required")
	}
	if _, open := r.byID[id]; open {
		return wire.Errorf(req, wire.CodeFileLocked, "transfer %s already open on this connection", id)
	}

	item, err := r.table.Claim(id, r.owner)
	switch {
	case errors.Is(err, pending.ErrNotFound):
		r.log.Info("transfer rejected", "transfer_id", id, "state", types.StateRejected)
		r.metrics.Transfer(metrics.ResultRejected, 0)
		return wire.Errorf(req, wire.CodeNotFound, "%v: %s", ErrRequestNotFound, id)
	case errors.Is(err, pending.ErrClaimed):
		return wire.Errorf(req, wire.CodeFileLocked, "transfer %s is served by another connection", id)
	case err != nil:
		return wire.Errorf(req, wire.CodeServerError, "%v", err)
	}

	if req.Mode != "" && req.Mode != item.Mode() {
		r.table.Release(id, r.owner)
		return wire.Errorf(req, wire.CodeArgInvalid, "transfer %s is %s, not %s", id, item.Mode(), req.Mode)
	}

	t := &transfer{
		item:       item,
		state:      types.StateResolved,
		started:    time.Now(),
		sequential: true,
		sum:        adler32.New(),
	}
	switch item.Mode() {
	case types.ModeArchive:
		t.source, err = item.OpenSource(ctx)
	case types.ModeRetrieve:
		t.sink, err = item.OpenSink(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", item.Mode())
	}
	if err != nil {
		r.signalFailed(t, fmt.Errorf("open %s: %w", id, err))
		return wire.Errorf(req, wire.CodeIOError, "open %s: %v", id, err)
	}

	r.nextHandle++
	t.handle = r.nextHandle
	r.transfers[t.handle] = t
	r.byID[id] = t.handle
	r.log.Debug("transfer resolved", "transfer_id", id, "mode", item.Mode(), "handle", t.handle)

	resp := wire.OK(req)
	resp.Handle = t.handle
	resp.Size = item.Size()
	return resp
}

func (r *resolver) lookup(req *wire.Request, mode types.Mode) (*transfer, *wire.Response) {
	t, ok := r.transfers[req.Handle]
	if !ok {
		return nil, wire.Errorf(req, wire.CodeInvalidReq, "unknown handle %d", req.Handle)
	}
	if mode != "" && t.item.Mode() != mode {
		return nil, wire.Errorf(req, wire.CodeInvalidReq, "%s not allowed on %s transfer", req.Op, t.item.Mode())
	}
	return t, nil
}

func (r *resolver) read(req *wire.Request) *wire.Response {
	t, errResp := r.lookup(req, types.ModeArchive)
	if errResp != nil {
		return errResp
	}
	if req.Offset < 0 || req.Length < 0 {
		return wire.Errorf(req, wire.CodeArgInvalid, "negative offset or length")
	}
	length := int(req.Length)
	if length == 0 || length > r.maxRead {
		length = r.maxRead
	}

	buf := make([]byte, length)
	n, err := t.source.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		r.finishFailed(t, fmt.Errorf("read at %d: %w", req.Offset, err))
		return wire.Errorf(req, wire.CodeIOError, "read %s: %v", t.item.ID(), err)
	}

	t.state = types.StateStreaming
	t.covered.add(req.Offset, req.Offset+int64(n))
	if req.Offset == t.next && t.sequential {
		t.sum.Write(buf[:n])
		t.next += int64(n)
	} else {
		t.sequential = false
	}
	r.metrics.Bytes(metrics.DirectionOut, n)

	resp := wire.OK(req)
	resp.Handle = t.handle
	resp.Data = buf[:n]
	return resp
}

func (r *resolver) write(req *wire.Request) *wire.Response {
	t, errResp := r.lookup(req, types.ModeRetrieve)
	if errResp != nil {
		return errResp
	}
	if req.Offset != t.next {
		return wire.Errorf(req, wire.CodeArgInvalid, "write at %d, expected %d", req.Offset, t.next)
	}

	n, err := t.sink.Write(req.Data)
	if err != nil {
		r.finishFailed(t, fmt.Errorf("write at %d: %w", req.Offset, err))
		return wire.Errorf(req, wire.CodeIOError, "write %s: %v", t.item.ID(), err)
	}

	t.state = types.StateStreaming
	t.sum.Write(req.Data[:n])
	t.next += int64(n)
	r.metrics.Bytes(metrics.DirectionIn, n)

	resp := wire.OK(req)
	resp.Handle = t.handle
	resp.Size = int64(n)
	return resp
}

func (r *resolver) close(req *wire.Request) *wire.Response {
	t, errResp := r.lookup(req, "")
	if errResp != nil {
		return errResp
	}

	if err := r.finish(t); err != nil {
		return wire.Errorf(req, wire.CodeIOError, "close %s: %v", t.item.ID(), err)
	}
	resp := wire.OK(req)
	resp.Handle = t.handle
	resp.Size = t.moved()
	return resp
}

// finish closes the data path and signals the item. The scheduler removes
// the table entry when it sees the signal.
func (r *resolver) finish(t *transfer) error {
	if !r.held(t) {
		// The scheduler already failed the item; nothing may be committed.
		r.abandon(t)
		r.log.Warn("transfer finished after its item was signalled", "transfer_id", t.item.ID(), "bytes", t.moved())
		return fmt.Errorf("%w: %s", ErrItemGone, t.item.ID())
	}

	size := t.item.Size()
	switch t.item.Mode() {
	case types.ModeArchive:
		_ = t.source.Close()
		if size >= 0 && !t.covered.covers(size) {
			err := fmt.Errorf("%w: sent %d of %d bytes", ErrShortTransfer, t.covered.total(), size)
			r.signalFailed(t, err)
			return err
		}
	case types.ModeRetrieve:
		if size >= 0 && t.next != size {
			_ = t.sink.Abort()
			err := fmt.Errorf("%w: received %d of %d bytes", ErrShortTransfer, t.next, size)
			r.signalFailed(t, err)
			return err
		}
		if err := t.sink.Close(); err != nil {
			err = fmt.Errorf("commit: %w", err)
			r.signalFailed(t, err)
			return err
		}
	}

	res := types.Result{ID: t.item.ID(), Bytes: t.moved(), Duration: time.Since(t.started)}
	if t.sequential {
		res.Checksum = fmt.Sprintf("%08x", t.sum.Sum32())
	}
	t.state = types.StateCompleted
	r.forget(t)
	t.item.Completed(res)
	r.table.Release(t.item.ID(), r.owner)
	r.metrics.Transfer(metrics.ResultCompleted, res.Duration)
	r.log.Info("transfer completed",
		"transfer_id", res.ID,
		"bytes", res.Bytes,
		"checksum", res.Checksum,
		"duration", res.Duration)
	return nil
}

// held reports whether this connection still owns t's item. The claim is
// lost when the scheduler fails the item and removes its table entry.
func (r *resolver) held(t *transfer) bool {
	item, ok := r.table.Get(t.item.ID())
	return ok && item == t.item && r.table.Owner(t.item.ID()) == r.owner
}

// abandon drops t without signalling its item.
func (r *resolver) abandon(t *transfer) {
	if t.source != nil {
		_ = t.source.Close()
	}
	if t.sink != nil {
		_ = t.sink.Abort()
	}
	r.forget(t)
}

// finishFailed tears down the data path after an I/O error.
func (r *resolver) finishFailed(t *transfer, err error) {
	if t.source != nil {
		_ = t.source.Close()
	}
	if t.sink != nil {
		_ = t.sink.Abort()
	}
	r.signalFailed(t, err)
}

func (r *resolver) signalFailed(t *transfer, err error) {
	t.state = types.StateFailed
	r.forget(t)
	t.item.Failed(err)
	r.table.Release(t.item.ID(), r.owner)
	r.metrics.Transfer(metrics.ResultFailed, time.Since(t.started))
	r.log.Warn("transfer failed", "transfer_id", t.item.ID(), "error", err)
}

// forget drops t from the connection. The claim is released by the caller
// after signalling, so no other connection can pick the item up before
// the scheduler has seen the outcome.
func (r *resolver) forget(t *transfer) {
	delete(r.transfers, t.handle)
	delete(r.byID, t.item.ID())
}

// Release abandons transfers left open when the connection goes away.
// Items are not signalled; the scheduler's liveness check fails them.
func (r *resolver) Release() {
	for _, t := range r.transfers {
		if t.source != nil {
			_ = t.source.Close()
		}
		if t.sink != nil {
			_ = t.sink.Abort()
		}
		r.table.Release(t.item.ID(), r.owner)
		if r.log != nil {
			r.log.Warn("connection closed mid-transfer", "transfer_id", t.item.ID(), "state", t.state, "bytes", t.moved())
		}
	}
	r.transfers = map[uint32]*transfer{}
	r.byID = map[types.TransferID]uint32{}
}
