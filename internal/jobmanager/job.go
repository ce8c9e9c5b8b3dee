package jobmanager

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devpad/devpad/internal/supervisor"
	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

// Kind enumerates the supported job kinds.
type Kind string

const (
	KindBuild          Kind = "build"
	KindLaunch         Kind = "launch"
	KindTemplateCreate Kind = "template-create"
)

// ValidKind reports whether k names a supported job kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindBuild, KindLaunch, KindTemplateCreate:
		return true
	default:
		return false
	}
}

// Params carries the kind-specific submission parameters.
type Params struct {
	// Target is the project this job operates on. Required for all kinds.
	Target string `json:"target"`

	// Dir is the working directory for the spawned command, and the output
	// directory for template-create.
	Dir string `json:"dir,omitempty"`

	// Command and Args form the command line to supervise. Required for
	// build and launch; template-create resolves its entrypoint from the
	// template manifest.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Env is merged over the server's environment for the spawned process.
	Env map[string]string `json:"env,omitempty"`

	// Template and Vars select and fill a template for template-create.
	Template string            `json:"template,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`

	// Port is the preferred port for launch jobs; 0 means any free port.
	Port int `json:"port,omitempty"`

	// NeedsDisplay requests a virtual display lease for launch jobs.
	NeedsDisplay bool `json:"needs_display,omitempty"`

	// ReadyPattern optionally marks a launch ready as soon as an output line
	// matches this regular expression, in addition to the port probe.
	ReadyPattern string `json:"ready_pattern,omitempty"`

	// Host is the hostname remote clients should use in the ready URL,
	// resolved by the transport layer from forwarding headers at submission.
	Host string `json:"host,omitempty"`
}

func validateParams(kind Kind, params Params) error {
	if !ValidKind(kind) {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", kind)}
	}

	if params.Target == "" {
		return &ValidationError{Field: "target", Reason: "cannot be empty"}
	}

	switch kind {
	case KindBuild, KindLaunch:
		if params.Command == "" {
			return &ValidationError{Field: "command", Reason: "cannot be empty"}
		}

		if params.ReadyPattern != "" {
			if _, err := regexp.Compile(params.ReadyPattern); err != nil {
				return &ValidationError{Field: "ready_pattern", Reason: err.Error()}
			}
		}
	case KindTemplateCreate:
		if params.Template == "" {
			return &ValidationError{Field: "template", Reason: "cannot be empty"}
		}

		if params.Dir == "" {
			return &ValidationError{Field: "dir", Reason: "cannot be empty"}
		}
	}

	return nil
}

// Result is the optional payload of a completed job, e.g. the resolved URL
// of a launched server.
type Result struct {
	URL  string `json:"url,omitempty"`
	Port int    `json:"port,omitempty"`
	Dir  string `json:"dir,omitempty"`
}

// Job is one tracked unit of work. Status and progress are atomics so
// snapshots never block the owning worker; the remaining mutable fields are
// guarded by mu and written only by the owning worker.
type Job struct {
	id          string
	kind        Kind
	params      Params
	conflictKey string
	created     time.Time

	status   AtomicStatus
	progress atomic.Int32
	logs     *linebuf.Buffer

	handle atomic.Pointer[supervisor.Handle]

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu        sync.Mutex
	started   time.Time
	completed time.Time
	errMsg    string
	result    *Result

	done chan struct{}
}

func newJob(id string, kind Kind, params Params, conflictKey string) *Job {
	j := &Job{
		id:          id,
		kind:        kind,
		params:      params,
		conflictKey: conflictKey,
		created:     time.Now(),
		logs:        linebuf.New(),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	j.status.Store(StatusPending)

	return j
}

// ID returns the job's unique id.
func (j *Job) ID() string {
	return j.id
}

// Kind returns the job's kind.
func (j *Job) Kind() Kind {
	return j.kind
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	return j.status.Load()
}

// Progress returns the job's progress in the range 0-100.
func (j *Job) Progress() int {
	return int(j.progress.Load())
}

// Done returns a channel closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Logs returns a reader that replays the job's log from the first line and
// then blocks for new lines until the job's output closes.
func (j *Job) Logs() *linebuf.Reader {
	return j.logs.Subscribe()
}

// requestCancel closes the job's cancellation channel. Idempotent.
func (j *Job) requestCancel() {
	j.cancelOnce.Do(func() {
		close(j.cancelCh)
	})
}

func (j *Job) cancelRequested() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// setProgress advances progress monotonically; attempts to move it backwards
// are ignored so recoverable internal retries can never appear as regress.
func (j *Job) setProgress(p int) bool {
	if p > 100 {
		p = 100
	}

	for {
		current := j.progress.Load()
		if int32(p) <= current {
			return false
		}

		if j.progress.CompareAndSwap(current, int32(p)) {
			return true
		}
	}
}

func (j *Job) setStarted() {
	j.mu.Lock()
	j.started = time.Now()
	j.mu.Unlock()
}

func (j *Job) setResult(r *Result) {
	j.mu.Lock()
	j.result = r
	j.mu.Unlock()
}

func (j *Job) setError(msg string) {
	j.mu.Lock()

	// Every terminal failed job carries exactly one root-cause message; the
	// first error recorded wins.
	if j.errMsg == "" {
		j.errMsg = msg
	}

	j.mu.Unlock()
}

// Snapshot is a point-in-time copy of a job's externally visible state.
type Snapshot struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Status      string        `json:"status"`
	Progress    int           `json:"progress"`
	Target      string        `json:"target"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	LogLen      int           `json:"log_len"`
	LogTail     []linebuf.Line `json:"log_tail,omitempty"`
	Error       string        `json:"error,omitempty"`
	Result      *Result       `json:"result,omitempty"`
}

// snapshotTail is how many recent log lines a snapshot carries.
const snapshotTail = 20

// Snapshot returns a copy of the job's externally visible state, including
// the recent log tail.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()

	s := Snapshot{
		ID:        j.id,
		Kind:      j.kind,
		Target:    j.params.Target,
		CreatedAt: j.created,
		Error:     j.errMsg,
	}

	if !j.started.IsZero() {
		t := j.started
		s.StartedAt = &t
	}

	if !j.completed.IsZero() {
		t := j.completed
		s.CompletedAt = &t
	}

	if j.result != nil {
		r := *j.result
		s.Result = &r
	}

	j.mu.Unlock()

	s.Status = j.status.Load().String()
	s.Progress = j.Progress()
	s.LogLen = j.logs.Len()
	s.LogTail = j.logs.Tail(snapshotTail)

	return s
}
