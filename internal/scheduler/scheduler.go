// ============================================================================
// Nearline Mover Scheduler - Work Item Owner
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: Owns work items, publishes them to the pending table and keeps
//           the cleanup journal in step with their lifecycle
//
// Lifecycle of one item:
//   Submit ──> journal.Put ──> table.Put ──> (mover resolves and streams)
//                                                │
//                          Completed / Failed <──┘
//                                  │
//                    table.Remove + journal.Remove
//
// Loops:
//   1. Timeout Loop - fails items whose transfer deadline passed. This is
//      the liveness check for connections that dropped mid-transfer: the
//      mover releases the claim but never signals, so only the deadline
//      ends such an item.
//
// Recovery:
//   Start runs journal cleanup against the back end before any new item is
//   accepted, so entries left by a crash are reconciled first.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/internal/metrics"
	"github.com/ChuLiYu/nearline-mover/internal/pending"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

var (
	// ErrTransferTimeout fails items that were not finished in time.
	ErrTransferTimeout = errors.New("scheduler: transfer deadline exceeded")
	// ErrCancelled fails items withdrawn with Cancel.
	ErrCancelled = errors.New("scheduler: transfer cancelled")
	// ErrNotRunning is returned by Submit outside Start/Stop.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrUnknownTransfer is returned by Cancel for ids it does not track.
	ErrUnknownTransfer = errors.New("scheduler: unknown transfer")
)

// ============================================================================
// Data Structures
// ============================================================================

// Config configures the scheduler.
type Config struct {
	// TransferTimeout bounds the time from Submit to completion; 0 disables it.
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	// SweepInterval is how often deadlines are checked.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Payload gives the mover access to an item's data.
type Payload interface {
	OpenSource(ctx context.Context) (pending.Source, error)
	OpenSink(ctx context.Context) (pending.Sink, error)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithBackend reconciles the journal against b on Start.
func WithBackend(b journal.Backend) Option {
	return func(s *Scheduler) { s.backend = b }
}

// WithMetrics reports pending and journal state to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns the work items served by the mover.
type Scheduler struct {
	table   *pending.Table
	journal journal.Journal
	backend journal.Backend
	metrics *metrics.Collector
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	items    map[types.TransferID]*item
	leftover int
	started  bool
	stopped  bool
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
}

// ============================================================================
// Core Methods
// ============================================================================

// New creates a scheduler publishing into table and recording into j.
func New(cfg Config, table *pending.Table, j journal.Journal, opts ...Option) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if j == nil {
		j = journal.Nop{}
	}
	s := &Scheduler{
		table:   table,
		journal: j,
		cfg:     cfg,
		items:   make(map[types.TransferID]*item),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "scheduler")
	if s.backend == nil {
		s.backend = journal.LogBackend{Logger: s.log}
	}
	return s
}

// Start reconciles the journal and starts the timeout loop. A cleanup
// failure is returned and the scheduler stays stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrNotRunning
	}
	if s.started {
		return nil
	}

	start := time.Now()
	dropped, err := s.journal.Cleanup(ctx, s.backend)
	if err != nil {
		s.metrics.JournalError("cleanup")
		return fmt.Errorf("journal cleanup: %w", err)
	}
	if l, ok := s.journal.(journal.Lister); ok {
		if entries, err := l.Entries(ctx); err == nil {
			s.leftover = len(entries)
		}
	}
	s.journalGaugeLocked()
	s.log.Info("journal reconciled", "dropped", dropped, "kept", s.leftover, "duration", time.Since(start))

	s.started = true
	s.loopWg.Add(1)
	go s.timeoutLoop()

	s.log.Info("scheduler started", "transfer_timeout", s.cfg.TransferTimeout)
	return nil
}

// Submit records and publishes a new work item. The returned Ticket
// reports its outcome.
func (s *Scheduler) Submit(ctx context.Context, id types.TransferID, desc types.Descriptor, payload Payload) (*Ticket, error) {
	if id == "" {
		return nil, errors.New("scheduler: empty transfer id")
	}
	if !desc.Mode.Valid() {
		return nil, fmt.Errorf("scheduler: invalid mode %q", desc.Mode)
	}
	if desc.SubmittedAt == 0 {
		desc.SubmittedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil, ErrNotRunning
	}
	if _, ok := s.items[id]; ok {
		return nil, pending.ErrDuplicate
	}

	// Journal first: a crash after this point leaves an entry for cleanup,
	// never a published item without one.
	if err := s.journal.Put(ctx, id, desc); err != nil {
		s.metrics.JournalError("put")
		return nil, err
	}

	it := newItem(s, id, desc, payload)
	if s.cfg.TransferTimeout > 0 {
		it.deadline = time.Now().Add(s.cfg.TransferTimeout)
	}
	if err := s.table.Put(it); err != nil {
		if jerr := s.journal.Remove(ctx, id); jerr != nil {
			s.metrics.JournalError("remove")
		}
		return nil, err
	}
	s.items[id] = it
	s.metrics.SetPending(s.table.Len())
	s.journalGaugeLocked()

	s.log.Info("transfer submitted", "transfer_id", id, "mode", desc.Mode, "location", desc.Location, "size", desc.Size)
	return it.ticket, nil
}

// Cancel withdraws a submitted item and fails it with ErrCancelled.
func (s *Scheduler) Cancel(id types.TransferID) error {
	s.mu.Lock()
	it, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}
	it.Failed(ErrCancelled)
	return nil
}

// Pending returns the ids of items not yet finished.
func (s *Scheduler) Pending() []types.TransferID {
	return s.table.IDs()
}

// finish is called exactly once per item, from whichever goroutine signals
// it first.
func (s *Scheduler) finish(it *item, res types.Result, err error) {
	ctx := context.Background()

	s.mu.Lock()
	delete(s.items, it.id)
	s.table.Remove(it.id)
	if jerr := s.journal.Remove(ctx, it.id); jerr != nil {
		s.metrics.JournalError("remove")
		s.log.Error("failed to remove journal entry", "transfer_id", it.id, "error", jerr)
	}
	s.metrics.SetPending(s.table.Len())
	s.journalGaugeLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("transfer failed", "transfer_id", it.id, "error", err)
	} else {
		s.log.Info("transfer finished", "transfer_id", it.id, "bytes", res.Bytes, "checksum", res.Checksum)
	}
	it.ticket.resolve(res, err)
}

// timeoutLoop fails items past their deadline.
func (s *Scheduler) timeoutLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Debug("timeout loop stopped")
			return
		case now := <-ticker.C:
			for _, it := range s.overdue(now) {
				s.log.Warn("transfer timed out", "transfer_id", it.id, "owner", s.table.Owner(it.id))
				it.Failed(fmt.Errorf("%w after %s", ErrTransferTimeout, s.cfg.TransferTimeout))
			}
		}
	}
}

func (s *Scheduler) overdue(now time.Time) []*item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*item
	for _, it := range s.items {
		if !it.deadline.IsZero() && now.After(it.deadline) {
			out = append(out, it)
		}
	}
	return out
}

// journalGaugeLocked reports the journal size: entries cleanup could not
// reconcile plus one per tracked item.
func (s *Scheduler) journalGaugeLocked() {
	s.metrics.SetJournalEntries(s.leftover + len(s.items))
}

// Stop ends the timeout loop. Unfinished items stay in the journal for
// the next start's cleanup. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.loopWg.Wait()
	s.log.Info("scheduler stopped", "unfinished", len(s.table.IDs()))
}
