package mover

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/internal/plugin/authn"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

type outcome struct {
	res types.Result
	err error
}

// memItem is an in-memory work item. When table is set it removes itself
// on completion, the way the scheduler does.
type memItem struct {
	id      types.TransferID
	mode    types.Mode
	data    []byte
	size    int64
	openErr error
	table   *pending.Table
	done    chan outcome

	mu        sync.Mutex
	received  bytes.Buffer
	committed bool
	aborted   bool
}

func newArchiveItem(id string, data []byte) *memItem {
	return &memItem{id: types.TransferID(id), mode: types.ModeArchive, data: data, size: int64(len(data)), done: make(chan outcome, 1)}
}

func newRetrieveItem(id string, size int64) *memItem {
	return &memItem{id: types.TransferID(id), mode: types.ModeRetrieve, size: size, done: make(chan outcome, 1)}
}

func (m *memItem) ID() types.TransferID { return m.id }
func (m *memItem) Mode() types.Mode     { return m.mode }
func (m *memItem) Size() int64          { return m.size }

type readerAtCloser struct {
	*bytes.Reader
}

func (readerAtCloser) Close() error { return nil }

func (m *memItem) OpenSource(context.Context) (pending.Source, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return readerAtCloser{bytes.NewReader(m.data)}, nil
}

func (m *memItem) OpenSink(context.Context) (pending.Sink, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &memSink{item: m}, nil
}

func (m *memItem) Completed(res types.Result) { m.signal(outcome{res: res}) }
func (m *memItem) Failed(err error)           { m.signal(outcome{err: err}) }

func (m *memItem) signal(o outcome) {
	if m.table != nil {
		m.table.Remove(m.id)
	}
	m.done <- o
}

func (m *memItem) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-m.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("item %s was not signalled", m.id)
		return outcome{}
	}
}

func (m *memItem) signalled() bool {
	select {
	case o := <-m.done:
		m.done <- o
		return true
	default:
		return false
	}
}

type memSink struct {
	item *memItem
}

func (s *memSink) Write(p []byte) (int, error) {
	s.item.mu.Lock()
	defer s.item.mu.Unlock()
	return s.item.received.Write(p)
}

func (s *memSink) Close() error {
	s.item.mu.Lock()
	defer s.item.mu.Unlock()
	s.item.committed = true
	return nil
}

func (s *memSink) Abort() error {
	s.item.mu.Lock()
	defer s.item.mu.Unlock()
	s.item.aborted = true
	return nil
}

var _ io.ReaderAt = readerAtCloser{}

// captureWriter records responses sent through a session.
type captureWriter struct {
	resps []*wire.Response
}

func (c *captureWriter) WriteResponse(resp *wire.Response) error {
	c.resps = append(c.resps, resp)
	return nil
}

func (c *captureWriter) last() *wire.Response {
	return c.resps[len(c.resps)-1]
}

func testRegistry(t *testing.T) *stage.Registry {
	t.Helper()
	reg := stage.NewRegistry()
	require.NoError(t, reg.Register(authn.NewProvider()))
	return reg
}

var scenarioStages = []stage.Descriptor{
	{Name: "handshake"},
	{Name: "decode"},
	{Name: "encode"},
	{Name: "authn:none"},
	{Name: "chunk-writer"},
	{Name: "resolve"},
}
