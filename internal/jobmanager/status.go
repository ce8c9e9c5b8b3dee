package jobmanager

import "sync/atomic"

// Status represents where a job is in its lifecycle.
type Status int32

const (
	// StatusUnknown is the zero value for functions that return a (possibly
	// absent) Status.
	StatusUnknown Status = iota

	// StatusPending indicates the job has been validated and enqueued but no
	// worker has picked it up yet.
	StatusPending

	// StatusRunning indicates a worker is executing the job.
	StatusRunning

	// StatusCancelling indicates cancellation has been requested for a
	// running job but the process group has not yet been confirmed gone.
	StatusCancelling

	// StatusCompleted indicates the job finished successfully. Terminal.
	StatusCompleted

	// StatusFailed indicates the job finished unsuccessfully. Terminal.
	StatusFailed

	// StatusCancelled indicates the job was cancelled and its process group,
	// if any, is confirmed gone. Terminal.
	StatusCancelled
)

// NOTE: Keep in sync with the Status values. Only ever append.
var statusNames = []string{
	"unknown",
	"pending",
	"running",
	"cancelling",
	"completed",
	"failed",
	"cancelled",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return statusNames[0]
	}

	return statusNames[s]
}

// Terminal reports whether no transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus maps the string form back to a Status, returning StatusUnknown
// for anything unrecognised. Used for list filters from the API layer.
func ParseStatus(name string) Status {
	for i, n := range statusNames {
		if n == name {
			return Status(i)
		}
	}

	return StatusUnknown
}

// legalTransitions is the job state graph. Terminal states have no edges.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelling},
	StatusCancelling: {StatusCancelled, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// AtomicStatus wraps an atomic.Int32 to provide atomic operations on a
// Status, so transitions can be validated with CompareAndSwap without a
// mutex.
type AtomicStatus struct {
	v atomic.Int32
}

// Load atomically loads the Status value.
func (a *AtomicStatus) Load() Status {
	return Status(a.v.Load())
}

// Store atomically stores the Status value.
func (a *AtomicStatus) Store(s Status) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap between an old and new
// Status.
func (a *AtomicStatus) CompareAndSwap(o, n Status) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// Transition performs a compare-and-swap that additionally enforces the
// legal state graph. Illegal edges return an InvalidStateError even if the
// current status matches.
func (a *AtomicStatus) Transition(from, to Status) error {
	if !canTransition(from, to) {
		return NewInvalidStateError(from, to)
	}

	if !a.CompareAndSwap(from, to) {
		return NewInvalidStateError(a.Load(), to)
	}

	return nil
}
