package worker

import (
	"context"
)

// Worker is one execution goroutine of a Pool.
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run consumes tasks until the pool stops. A closed stopCh is checked
// before every receive; whatever is still queued is discarded by Stop.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.pool.stopCh:
			return
		default:
		}

		select {
		case <-w.pool.stopCh:
			return
		case task := <-w.pool.taskCh:
			w.execute(ctx, task)
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) {
	w.pool.active.Add(1)
	defer w.pool.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			if w.pool.OnPanic != nil {
				w.pool.OnPanic(task, r)
			}
		}
	}()
	task.Run(ctx)
}
