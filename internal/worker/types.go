package worker

import "context"

// Task is a unit of work for the pool.
type Task interface {
	// Run executes the task. ctx is cancelled when the pool is forced down.
	Run(ctx context.Context)
	// Discard releases a task that was queued but never run.
	Discard()
}

// TaskFunc adapts a function to a Task with a no-op Discard.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }
func (f TaskFunc) Discard()                {}
