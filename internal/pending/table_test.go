package pending

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

type stubItem struct {
	id types.TransferID
}

func (s stubItem) ID() types.TransferID                       { return s.id }
func (s stubItem) Mode() types.Mode                           { return types.ModeArchive }
func (s stubItem) Size() int64                                { return -1 }
func (s stubItem) OpenSource(context.Context) (Source, error) { return nil, errors.New("stub") }
func (s stubItem) OpenSink(context.Context) (Sink, error)     { return nil, errors.New("stub") }
func (s stubItem) Completed(types.Result)                     {}
func (s stubItem) Failed(error)                               {}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestTablePutGetRemove(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Put(stubItem{id: "abc123"}))
	assert.ErrorIs(t, tbl.Put(stubItem{id: "abc123"}), ErrDuplicate)
	assert.Equal(t, 1, tbl.Len())

	item, ok := tbl.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, types.TransferID("abc123"), item.ID())

	_, ok = tbl.Get("unknown")
	assert.False(t, ok)

	removed, ok := tbl.Remove("abc123")
	require.True(t, ok)
	assert.Equal(t, item, removed)
	_, ok = tbl.Remove("abc123")
	assert.False(t, ok)
	assert.Zero(t, tbl.Len())
}

func TestTableClaimRelease(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Put(stubItem{id: "a"}))

	_, err := tbl.Claim("missing", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.Claim("a", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", tbl.Owner("a"))

	_, err = tbl.Claim("a", "c1")
	assert.NoError(t, err, "re-claim by the owner")

	_, err = tbl.Claim("a", "c2")
	assert.ErrorIs(t, err, ErrClaimed)

	tbl.Release("a", "c2")
	assert.Equal(t, "c1", tbl.Owner("a"), "non-owner release is ignored")

	tbl.Release("a", "c1")
	_, err = tbl.Claim("a", "c2")
	assert.NoError(t, err)
}

func TestTableIDsSorted(t *testing.T) {
	tbl := NewTable()
	for _, id := range []types.TransferID{"c", "a", "b"} {
		require.NoError(t, tbl.Put(stubItem{id: id}))
	}
	assert.Equal(t, []types.TransferID{"a", "b", "c"}, tbl.IDs())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestTableConcurrentClaim tests that exactly one connection wins a claim
func TestTableConcurrentClaim(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Put(stubItem{id: "hot"}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tbl.Claim("hot", fmt.Sprintf("conn-%d", i)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// TestTablePutLookupRace tests that concurrent inserts and lookups never
// lose or duplicate entries
func TestTablePutLookupRace(t *testing.T) {
	tbl := NewTable()
	const n = 200

	var wg sync.WaitGroup
	var dup atomic.Int32
	for i := 0; i < n; i++ {
		id := types.TransferID(fmt.Sprintf("t-%03d", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := tbl.Put(stubItem{id: id}); err != nil {
				dup.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			for {
				if _, err := tbl.Claim(id, "reader"); err == nil {
					return
				}
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, dup.Load())
	assert.Equal(t, n, tbl.Len())
	for _, id := range tbl.IDs() {
		assert.Equal(t, "reader", tbl.Owner(id))
	}
}
