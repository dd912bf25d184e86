package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// item is the pending.Item the scheduler publishes.
type item struct {
	s        *Scheduler
	id       types.TransferID
	desc     types.Descriptor
	payload  Payload
	deadline time.Time
	once     sync.Once
	ticket   *Ticket
}

func newItem(s *Scheduler, id types.TransferID, desc types.Descriptor, payload Payload) *item {
	return &item{
		s:       s,
		id:      id,
		desc:    desc,
		payload: payload,
		ticket:  &Ticket{id: id, done: make(chan struct{})},
	}
}

func (it *item) ID() types.TransferID { return it.id }
func (it *item) Mode() types.Mode     { return it.desc.Mode }
func (it *item) Size() int64          { return it.desc.Size }

func (it *item) OpenSource(ctx context.Context) (pending.Source, error) {
	return it.payload.OpenSource(ctx)
}

func (it *item) OpenSink(ctx context.Context) (pending.Sink, error) {
	return it.payload.OpenSink(ctx)
}

// Completed and Failed act on the first signal only; later ones, e.g. a
// mover finishing an item that already timed out, are dropped.
func (it *item) Completed(res types.Result) {
	it.once.Do(func() { it.s.finish(it, res, nil) })
}

func (it *item) Failed(err error) {
	it.once.Do(func() { it.s.finish(it, types.Result{ID: it.id}, err) })
}

// Ticket reports the outcome of one submitted item.
type Ticket struct {
	id   types.TransferID
	done chan struct{}
	res  types.Result
	err  error
}

// ID returns the transfer id.
func (t *Ticket) ID() types.TransferID { return t.id }

// Done is closed once the item completed or failed.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Ticket) Result() (types.Result, error) {
	return t.res, t.err
}

// Wait blocks until the item finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (types.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

func (t *Ticket) resolve(res types.Result, err error) {
	t.res, t.err = res, err
	close(t.done)
}
