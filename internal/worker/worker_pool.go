// ============================================================================
// Nearline Mover Worker Pool - Connection Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs accepted connections on a bounded set of goroutines
//
// Design:
//   A fixed number of Worker goroutines consume a shared task channel.
//   Each task is one accepted connection; a worker drives that connection's
//   pipeline until it closes, so one connection is never served by two
//   goroutines at once while different connections run in parallel.
//
//   ┌──────────┐             ┌──────────────────────┐
//   │ Acceptor │ --Submit--> │ taskCh (backlog)     │
//   └──────────┘             │  ├─ Worker 1 ── Run  │
//                            │  ├─ Worker 2 ── Run  │
//                            │  └─ Worker N ── Run  │
//                            └──────────────────────┘
//
// Lifecycle:
//   1. NewPool(backlog)   - create channels
//   2. Start(ctx, n)      - launch n workers
//   3. Submit(task)       - enqueue, blocks while the backlog is full
//   4. Stop(ctx)          - refuse new tasks, discard queued ones, wait for
//                           running tasks; when ctx expires the run context
//                           is cancelled and Stop waits for workers to exit
//
// Shutdown:
//   taskCh is never closed. Workers exit on stopCh, which removes the
//   send-on-closed-channel window between Submit and Stop. Stop waits for
//   in-flight Submit calls before draining, so a task enqueued while Stop
//   runs is still discarded.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool runs Tasks on a fixed set of workers.
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	active  atomic.Int64

	submitting sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	// OnPanic is called when a task panics. The worker survives.
	OnPanic func(task Task, recovered any)
}

// NewPool creates a pool whose queue holds up to backlog waiting tasks.
func NewPool(backlog int) *Pool {
	if backlog < 0 {
		backlog = 0
	}
	return &Pool{
		taskCh: make(chan Task, backlog),
		stopCh: make(chan struct{}),
	}
}

// Start launches workerCount workers. Tasks receive a context derived from
// ctx that is cancelled when Stop gives up waiting.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	p.runCtx, p.runCancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.runCtx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues task, blocking while the backlog is full. The task's
// Discard method is not called when Submit returns an error; the caller
// still owns it.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.submitting.Add(1)
	p.mu.Unlock()
	defer p.submitting.Done()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop refuses new work and waits for running tasks. Tasks still queued
// are discarded. If ctx expires first, running tasks are cancelled and Stop
// returns ctx.Err() once every worker has exited. Calling Stop on a pool
// that is not running is a no-op.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.runCancel()
		<-done
	}
	p.runCancel()
	p.submitting.Wait()
	p.drain()
	return err
}

// drain discards tasks that were queued but never picked up.
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.taskCh:
			task.Discard()
		default:
			return
		}
	}
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
