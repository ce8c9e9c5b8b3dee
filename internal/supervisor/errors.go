package supervisor

import (
	"fmt"
	"time"
)

// SpawnError is returned when a command could not be started, e.g. the
// executable is not on PATH or the working directory does not exist.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminationError is returned when a process group could not be confirmed
// dead within the escalation window after both graceful and forceful signals.
type TerminationError struct {
	Pgid   int
	Window time.Duration
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf(
		"process group %d still alive %s after SIGKILL",
		e.Pgid,
		e.Window,
	)
}
