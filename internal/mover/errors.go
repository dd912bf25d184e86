package mover

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by LocalAddr before Start has completed.
	ErrNotStarted = errors.New("mover: service not started")
	// ErrStopped is returned by Start on a service that was stopped.
	// Services are single use; create a new one instead.
	ErrStopped = errors.New("mover: service stopped")
	// ErrAddressInUse is wrapped by StartupError when the bind address is taken.
	ErrAddressInUse = errors.New("mover: address already in use")
	// ErrRequestNotFound is reported to the peer when an open names an
	// identifier that is not in the pending table.
	ErrRequestNotFound = errors.New("mover: transfer request not found")
	// ErrShortTransfer fails a transfer closed before all bytes moved.
	ErrShortTransfer = errors.New("mover: transfer closed before completion")
	// ErrItemGone is reported when a transfer finishes after its item was
	// already failed by the scheduler, usually on its deadline.
	ErrItemGone = errors.New("mover: work item no longer pending")
)

// StartupError aborts Start. No listener is left bound when it is returned.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("mover: startup failed: %s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ConnError describes why one connection ended. It never propagates past
// the connection that produced it.
type ConnError struct {
	Session string
	Remote  string
	Reason  string
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("mover: connection %s from %s: %s: %v", e.Session, e.Remote, e.Reason, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
