package supervisor

import "sync/atomic"

// State describes where a supervised process group is in its lifecycle.
type State int32

const (
	// StateUnknown is the zero value for functions returning a (possibly
	// absent) State.
	StateUnknown State = iota

	// StateSpawned indicates the handle has been configured but the process
	// has not been confirmed started.
	StateSpawned

	// StateRunning indicates the process group leader has started.
	StateRunning

	// StateTerminating indicates a termination signal has been sent to the
	// group but it has not yet fully exited.
	StateTerminating

	// StateTerminated indicates the group leader has exited and an exit code
	// has been recorded.
	StateTerminated
)

// NOTE: Keep in sync with the State values. Only ever append.
var stateNames = []string{
	"Unknown",
	"Spawned",
	"Running",
	"Terminating",
	"Terminated",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return stateNames[0]
	}

	return stateNames[s]
}

// atomicState wraps an atomic.Int32 to provide atomic operations on a State,
// so transitions can be validated with CompareAndSwap instead of a mutex.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() State {
	return State(a.v.Load())
}

func (a *atomicState) Store(s State) {
	a.v.Store(int32(s))
}

func (a *atomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
