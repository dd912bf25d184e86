package mover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

type resolverHarness struct {
	r     *resolver
	sess  *stage.Session
	out   *captureWriter
	table *pending.Table
}

func newHarness(t *testing.T, items ...*memItem) *resolverHarness {
	t.Helper()
	table := pending.NewTable()
	for _, item := range items {
		require.NoError(t, table.Put(item))
	}
	out := &captureWriter{}
	sess := stage.NewSession("sess-1", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sess.SetWriter(out)
	return &resolverHarness{r: newResolver(table, nil, 64), sess: sess, out: out, table: table}
}

func (h *resolverHarness) do(t *testing.T, req *wire.Request) *wire.Response {
	t.Helper()
	require.NoError(t, h.r.Handle(context.Background(), h.sess, req, nil))
	return h.out.last()
}

func (h *resolverHarness) open(t *testing.T, id string) uint32 {
	t.Helper()
	resp := h.do(t, &wire.Request{Op: wire.OpOpen, TransferID: types.TransferID(id)})
	require.Equal(t, wire.StatusOK, resp.Status, resp.Message)
	return resp.Handle
}

// ============================================================================
// Open Tests
// ============================================================================

// TestResolverOpenErrors tests the replies for unusable open requests
func TestResolverOpenErrors(t *testing.T) {
	h := newHarness(t, newArchiveItem("a", []byte("x")))

	resp := h.do(t, &wire.Request{Op: wire.OpOpen})
	assert.Equal(t, wire.CodeArgInvalid, resp.Code)

	resp = h.do(t, &wire.Request{Op: wire.OpOpen, TransferID: "missing"})
	assert.Equal(t, wire.CodeNotFound, resp.Code)
	assert.Contains(t, resp.Message, "missing")

	resp = h.do(t, &wire.Request{Op: wire.OpOpen, TransferID: "a", Mode: types.ModeRetrieve})
	assert.Equal(t, wire.CodeArgInvalid, resp.Code)
	assert.Empty(t, h.table.Owner("a"), "mode mismatch must release the claim")

	h.open(t, "a")
	resp = h.do(t, &wire.Request{Op: wire.OpOpen, TransferID: "a"})
	assert.Equal(t, wire.CodeFileLocked, resp.Code)
}

// TestResolverOpenFailureSignals tests that a failing data path fails the item
func TestResolverOpenFailureSignals(t *testing.T) {
	item := newArchiveItem("broken", nil)
	item.openErr = errors.New("tape offline")
	h := newHarness(t, item)

	resp := h.do(t, &wire.Request{Op: wire.OpOpen, TransferID: "broken"})
	assert.Equal(t, wire.CodeIOError, resp.Code)

	out := item.wait(t)
	assert.ErrorContains(t, out.err, "tape offline")
	assert.Empty(t, h.table.Owner("broken"))
	_, ok := h.table.Get("broken")
	assert.True(t, ok, "the resolver never removes table entries")
}

// TestResolverUnsupportedOp tests the reply for unknown operations
func TestResolverUnsupportedOp(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, &wire.Request{Op: "truncate"})
	assert.Equal(t, wire.CodeUnsupported, resp.Code)

	resp = h.do(t, &wire.Request{Op: wire.OpPing})
	assert.Equal(t, wire.StatusOK, resp.Status)
}

// ============================================================================
// Streaming Tests
// ============================================================================

// TestResolverReadCapped tests that reads are bounded by max_read
func TestResolverReadCapped(t *testing.T) {
	data := make([]byte, 100)
	h := newHarness(t, newArchiveItem("big", data))
	handle := h.open(t, "big")

	resp := h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Length: 1000})
	assert.Len(t, resp.Data, 64)

	resp = h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 64, Length: 1000})
	assert.Len(t, resp.Data, 36)

	resp = h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: -1})
	assert.Equal(t, wire.CodeArgInvalid, resp.Code)
}

// TestResolverHandleChecks tests handle and mode validation
func TestResolverHandleChecks(t *testing.T) {
	h := newHarness(t, newRetrieveItem("in", 4))
	handle := h.open(t, "in")

	resp := h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle})
	assert.Equal(t, wire.CodeInvalidReq, resp.Code)

	resp = h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle + 1, Data: []byte("x")})
	assert.Equal(t, wire.CodeInvalidReq, resp.Code)

	resp = h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle, Offset: 2, Data: []byte("x")})
	assert.Equal(t, wire.CodeArgInvalid, resp.Code)
}

// TestResolverShortArchive tests that closing early fails the item
func TestResolverShortArchive(t *testing.T) {
	item := newArchiveItem("short", []byte("0123456789"))
	h := newHarness(t, item)
	handle := h.open(t, "short")

	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Length: 4})
	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	assert.Equal(t, wire.CodeIOError, resp.Code)

	out := item.wait(t)
	assert.ErrorIs(t, out.err, ErrShortTransfer)
}

// TestResolverShortRetrieve tests that an incomplete retrieve is aborted
func TestResolverShortRetrieve(t *testing.T) {
	item := newRetrieveItem("partial", 8)
	h := newHarness(t, item)
	handle := h.open(t, "partial")

	h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle, Data: []byte("abcd")})
	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	assert.Equal(t, wire.CodeIOError, resp.Code)

	out := item.wait(t)
	assert.ErrorIs(t, out.err, ErrShortTransfer)
	assert.True(t, item.aborted)
	assert.False(t, item.committed)
}

// TestResolverOutOfOrderReadSkipsChecksum tests that random access drops the checksum
func TestResolverOutOfOrderReadSkipsChecksum(t *testing.T) {
	item := newArchiveItem("random", []byte("abcdefgh"))
	h := newHarness(t, item)
	handle := h.open(t, "random")

	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 4, Length: 4})
	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 0, Length: 4})
	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	require.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, int64(8), resp.Size)

	out := item.wait(t)
	require.NoError(t, out.err)
	assert.Empty(t, out.res.Checksum)
}

// TestResolverReleaseAbandons tests that dropped transfers are not signalled
func TestResolverReleaseAbandons(t *testing.T) {
	item := newRetrieveItem("dropped", 8)
	h := newHarness(t, item)
	handle := h.open(t, "dropped")
	h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle, Data: []byte("ab")})
	assert.Equal(t, "sess-1", h.table.Owner("dropped"))

	h.r.Release()

	assert.Empty(t, h.table.Owner("dropped"))
	assert.True(t, item.aborted)
	assert.False(t, item.signalled())
}

// TestResolverRepeatedReadIsShort tests that re-reading a range does not
// count towards completeness
func TestResolverRepeatedReadIsShort(t *testing.T) {
	item := newArchiveItem("reread", []byte("0123456789"))
	h := newHarness(t, item)
	handle := h.open(t, "reread")

	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 0, Length: 5})
	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 0, Length: 5})
	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	assert.Equal(t, wire.CodeIOError, resp.Code)
	assert.Contains(t, resp.Message, "sent 5 of 10 bytes")

	out := item.wait(t)
	assert.ErrorIs(t, out.err, ErrShortTransfer)
}

// TestResolverOverlappingReadsComplete tests that overlapping reads which
// cover the item complete it with the distinct byte count
func TestResolverOverlappingReadsComplete(t *testing.T) {
	item := newArchiveItem("overlap", []byte("0123456789"))
	h := newHarness(t, item)
	handle := h.open(t, "overlap")

	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 0, Length: 6})
	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Offset: 4, Length: 6})
	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	require.Equal(t, wire.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, int64(10), resp.Size)

	out := item.wait(t)
	require.NoError(t, out.err)
	assert.Equal(t, int64(10), out.res.Bytes)
}

// ============================================================================
// Late Finish Tests
// ============================================================================

// TestResolverRetrieveAfterItemFailed tests that a retrieve whose item was
// already failed is aborted instead of committed
func TestResolverRetrieveAfterItemFailed(t *testing.T) {
	item := newRetrieveItem("late", 7)
	h := newHarness(t, item)
	item.table = h.table
	handle := h.open(t, "late")

	resp := h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle, Data: []byte("payload")})
	require.Equal(t, wire.StatusOK, resp.Status)

	item.Failed(errors.New("deadline exceeded"))
	out := item.wait(t)
	require.Error(t, out.err)
	assert.Zero(t, h.table.Len())

	resp = h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	assert.Equal(t, wire.CodeIOError, resp.Code)
	assert.Contains(t, resp.Message, ErrItemGone.Error())
	assert.True(t, item.aborted)
	assert.False(t, item.committed)
	assert.False(t, item.signalled(), "the item is not signalled twice")

	resp = h.do(t, &wire.Request{Op: wire.OpWrite, Handle: handle, Offset: 7, Data: []byte("x")})
	assert.Equal(t, wire.CodeInvalidReq, resp.Code, "the handle is gone")
}

// TestResolverArchiveAfterItemReplaced tests that a claim on an item that
// was removed and resubmitted under the same id is not honoured
func TestResolverArchiveAfterItemReplaced(t *testing.T) {
	first := newArchiveItem("again", []byte("abc"))
	h := newHarness(t, first)
	handle := h.open(t, "again")
	h.do(t, &wire.Request{Op: wire.OpRead, Handle: handle, Length: 3})

	h.table.Remove("again")
	second := newArchiveItem("again", []byte("abc"))
	require.NoError(t, h.table.Put(second))

	resp := h.do(t, &wire.Request{Op: wire.OpClose, Handle: handle})
	assert.Equal(t, wire.CodeIOError, resp.Code)
	assert.False(t, first.signalled())
	assert.False(t, second.signalled())
	assert.Empty(t, h.table.Owner("again"))
}
