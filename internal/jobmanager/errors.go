package jobmanager

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when cancelling a job that has already
	// reached a terminal state.
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrQueueFull is returned when the pending queue cannot accept another
	// job. Submission is non-blocking; callers re-submit rather than wait.
	ErrQueueFull = errors.New("job queue is full")
)

// ValidationError rejects a submission whose parameters are missing or
// malformed. It is returned synchronously; the job is never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError rejects a submission while another job is already active for
// the same conflict key, so two processes never fight over the same build
// output.
type ConflictError struct {
	Key      string
	ActiveID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is already active for %q", e.ActiveID, e.Key)
}

// TimeoutError marks a job failed because a bounded wait, such as the
// readiness probe of a launched server, did not succeed within its window.
type TimeoutError struct {
	Op     string
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not succeed within %s", e.Op, e.Window)
}

// InvalidStateError is returned when attempting an illegal job status
// transition.
type InvalidStateError struct {
	from Status
	to   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to Status) *InvalidStateError {
	return &InvalidStateError{from, to}
}
