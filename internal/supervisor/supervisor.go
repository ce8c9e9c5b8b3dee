package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

const (
	// killConfirmWindow bounds how long Terminate waits for a process group
	// to disappear after SIGKILL before giving up with a TerminationError.
	killConfirmWindow = 3 * time.Second

	// groupPollInterval is how often Terminate re-checks group liveness.
	groupPollInterval = 25 * time.Millisecond
)

// Spec describes a command to supervise.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Handle represents one supervised OS process tree. It is exclusively owned
// by the worker that spawned it; other components hold only references.
type Handle struct {
	owner string
	pgid  int
	state atomicState

	cmd      *exec.Cmd
	exitCode atomic.Int32
	buf      *linebuf.Buffer

	done chan struct{}
}

// Spawn starts the command described by spec as the leader of a new process
// group, owned by the given job id. It returns a SpawnError if the executable
// cannot be found, the working directory is invalid, or the process fails to
// start.
func Spawn(owner string, spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, &SpawnError{Command: spec.Command, Err: errors.New("command cannot be empty")}
	}

	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("working directory: %w", err)}
		}

		if !info.IsDir() {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("working directory %q is not a directory", spec.Dir)}
		}
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// The spawned process becomes the leader of a new process group so that
	// Terminate can signal the whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Using os.Pipe rather than cmd.StdoutPipe so that cmd.Wait returns when
	// the direct child exits, even if grandchildren inherit the write ends
	// and keep them open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()

		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	h := &Handle{
		owner: owner,
		cmd:   cmd,
		buf:   linebuf.New(),
		done:  make(chan struct{}),
	}

	h.exitCode.Store(-1)
	h.state.Store(StateSpawned)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()

		h.buf.Close()

		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	// The child holds its own copies of the write ends now.
	stdoutW.Close()
	stderrW.Close()

	h.pgid = cmd.Process.Pid
	h.state.Store(StateRunning)

	var readers sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		defer stdoutR.Close()
		h.buf.Ingest(linebuf.Stdout, stdoutR)
	}()

	readers.Add(1)
	go func() {
		defer readers.Done()
		defer stderrR.Close()
		h.buf.Ingest(linebuf.Stderr, stderrR)
	}()

	go func() {
		readers.Wait()
		h.buf.Close()
	}()

	go func() {
		cmd.Wait()

		h.exitCode.Store(int32(cmd.ProcessState.ExitCode()))
		h.state.Store(StateTerminated)

		close(h.done)
	}()

	return h, nil
}

// Owner returns the id of the job this handle belongs to.
func (h *Handle) Owner() string {
	return h.owner
}

// Pgid returns the process group id of the supervised tree.
func (h *Handle) Pgid() int {
	return h.pgid
}

// State returns the current lifecycle state of the handle.
func (h *Handle) State() State {
	return h.state.Load()
}

// ExitCode returns the exit code of the group leader, or -1 if it has not
// exited or was killed by a signal.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// Lines returns a reader over the combined, stream-tagged output of the
// process group. Each reader replays from the first line, then blocks for
// new lines until the output streams close.
func (h *Handle) Lines() *linebuf.Reader {
	return h.buf.Subscribe()
}

// Output returns the log buffer backing this handle.
func (h *Handle) Output() *linebuf.Buffer {
	return h.buf
}

// Done returns a channel that is closed when the group leader has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks the calling goroutine until the group leader exits and returns
// its exit code.
func (h *Handle) Wait() int {
	<-h.done

	return h.ExitCode()
}

// GroupAlive reports whether any process in the group is still alive.
func (h *Handle) GroupAlive() bool {
	// Signal 0 performs error checking only. ESRCH means the group is gone.
	err := syscall.Kill(-h.pgid, 0)

	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM to the entire process group, escalating to SIGKILL
// if the group has not fully exited after grace. It returns a
// TerminationError if the group still exists after a bounded confirmation
// window, and is a no-op on a group that has already exited.
func (h *Handle) Terminate(grace time.Duration) error {
	if h.state.Load() == StateTerminated && !h.GroupAlive() {
		return nil
	}

	h.state.CompareAndSwap(StateRunning, StateTerminating)

	// ESRCH here means the group died between the check and the signal.
	if err := syscall.Kill(-h.pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}

		return fmt.Errorf("signal process group %d: %w", h.pgid, err)
	}

	if h.awaitGroupExit(grace) {
		return nil
	}

	if err := syscall.Kill(-h.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", h.pgid, err)
	}

	if h.awaitGroupExit(killConfirmWindow) {
		return nil
	}

	return &TerminationError{Pgid: h.pgid, Window: killConfirmWindow}
}

// awaitGroupExit polls until every process in the group is gone or the
// window elapses. It reports whether the group fully exited.
func (h *Handle) awaitGroupExit(window time.Duration) bool {
	deadline := time.Now().Add(window)

	for {
		if !h.GroupAlive() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(groupPollInterval)
	}
}
