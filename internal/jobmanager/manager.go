package jobmanager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
	"github.com/devpad/devpad/internal/scaffold"
	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

// ConflictScope selects the key two submissions must share to count as
// conflicting: the project/target name, or the working directory.
type ConflictScope string

const (
	ConflictByTarget  ConflictScope = "target"
	ConflictByWorkdir ConflictScope = "workdir"
)

// Config tunes the Manager.
type Config struct {
	// Workers is the size of the fixed pool draining the pending queue.
	Workers int

	// QueueSize bounds the pending queue; submissions beyond it fail with
	// ErrQueueFull rather than blocking.
	QueueSize int

	// GracePeriod is how long a terminated process group gets between
	// SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// ReadinessWindow and ReadinessInterval bound the polling for a launched
	// server to start accepting connections.
	ReadinessWindow   time.Duration
	ReadinessInterval time.Duration

	// Retention is how long terminal jobs are kept before pruning.
	Retention time.Duration

	// ConflictScope selects the duplicate-submission key.
	ConflictScope ConflictScope
}

// DefaultConfig returns conservative defaults for a single-user machine.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         64,
		GracePeriod:       5 * time.Second,
		ReadinessWindow:   30 * time.Second,
		ReadinessInterval: 250 * time.Millisecond,
		Retention:         time.Hour,
		ConflictScope:     ConflictByTarget,
	}
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()

	out := *c
	if out.Workers <= 0 {
		out.Workers = d.Workers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = d.GracePeriod
	}
	if out.ReadinessWindow <= 0 {
		out.ReadinessWindow = d.ReadinessWindow
	}
	if out.ReadinessInterval <= 0 {
		out.ReadinessInterval = d.ReadinessInterval
	}
	if out.Retention <= 0 {
		out.Retention = d.Retention
	}
	if out.ConflictScope == "" {
		out.ConflictScope = d.ConflictScope
	}

	return out
}

// Manager is responsible for creating, queueing, and executing Jobs.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	relay    *relay.Relay
	engine   scaffold.Engine

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	active map[string]string

	queue chan *Job

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager. Call Start before submitting jobs and Shutdown to
// stop the pool.
func New(
	cfg Config,
	reg *registry.Registry,
	rel *relay.Relay,
	engine scaffold.Engine,
	logger *slog.Logger,
) *Manager {
	cfg = cfg.withDefaults()

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		relay:    rel,
		engine:   engine,
		jobs:     make(map[string]*Job),
		active:   make(map[string]string),
		queue:    make(chan *Job, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool and the retention pruner.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.workerLoop()
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pruneLoop()
	}()
}

// Shutdown requests cancellation of every non-terminal job and waits for the
// pool to drain or the context to expire. Process groups of running jobs are
// killed; they are never left behind.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		// Best effort; terminal and unknown jobs are fine to skip.
		if err := m.Cancel(id); err != nil {
			continue
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for workers")
	}
}

// Submit validates the parameters, creates a Job in pending state, and
// enqueues it FIFO. It returns immediately: a synchronous ValidationError or
// ConflictError, ErrQueueFull when the bounded queue is full, or the new
// job's id.
func (m *Manager) Submit(kind Kind, params Params) (string, error) {
	if err := validateParams(kind, params); err != nil {
		return "", err
	}

	if kind == KindTemplateCreate && m.engine == nil {
		return "", &ValidationError{Field: "template", Reason: "no template engine configured"}
	}

	key := m.conflictKey(params)
	id := uuid.NewString()
	job := newJob(id, kind, params, key)

	m.mu.Lock()

	if activeID, exists := m.active[key]; exists {
		m.mu.Unlock()

		return "", &ConflictError{Key: key, ActiveID: activeID}
	}

	select {
	case m.queue <- job:
	default:
		m.mu.Unlock()

		return "", ErrQueueFull
	}

	m.jobs[id] = job
	m.order = append(m.order, id)
	m.active[key] = id

	m.mu.Unlock()

	m.logger.Info("job submitted",
		"id", id,
		"kind", kind,
		"target", params.Target,
	)

	m.publishStatus(job)

	return id, nil
}

// Get returns a snapshot of the job with the given id or ErrJobNotFound.
func (m *Manager) Get(id string) (Snapshot, error) {
	job, err := m.job(id)
	if err != nil {
		return Snapshot{}, err
	}

	return job.Snapshot(), nil
}

// Filter restricts List output. Zero values match everything.
type Filter struct {
	Status string
	Kind   Kind
}

// List returns snapshots of jobs matching the filter, in insertion order.
func (m *Manager) List(filter Filter) []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		if filter.Kind != "" && job.kind != filter.Kind {
			continue
		}

		if filter.Status != "" && job.Status().String() != filter.Status {
			continue
		}

		snapshots = append(snapshots, job.Snapshot())
	}

	return snapshots
}

// Done returns a channel closed when the job reaches a terminal status, or
// ErrJobNotFound.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	job, err := m.job(id)
	if err != nil {
		return nil, err
	}

	return job.Done(), nil
}

// Logs returns a replaying reader over the job's log, or ErrJobNotFound.
func (m *Manager) Logs(id string) (*linebuf.Reader, error) {
	job, err := m.job(id)
	if err != nil {
		return nil, err
	}

	return job.Logs(), nil
}

// Cancel requests cooperative cancellation. A pending job is removed from
// consideration without spawning anything; a running job transitions to
// cancelling and reaches cancelled only once the supervisor confirms its
// process group is gone. Returns ErrJobNotFound or ErrJobTerminal as
// appropriate; cancelling an already-cancelling job is an idempotent ack.
func (m *Manager) Cancel(id string) error {
	job, err := m.job(id)
	if err != nil {
		return err
	}

	for {
		switch status := job.Status(); status {
		case StatusPending:
			if job.status.Transition(StatusPending, StatusCancelled) == nil {
				// The queued entry is skipped by the worker that dequeues it.
				m.finalize(job, nil)

				return nil
			}
		case StatusRunning:
			if job.status.Transition(StatusRunning, StatusCancelling) == nil {
				m.publishStatus(job)
				job.requestCancel()

				return nil
			}
		case StatusCancelling:
			return nil
		default:
			if status.Terminal() {
				return ErrJobTerminal
			}

			return NewInvalidStateError(status, StatusCancelled)
		}
	}
}

func (m *Manager) job(id string) (*Job, error) {
	m.mu.Lock()
	job, exists := m.jobs[id]
	m.mu.Unlock()

	if !exists {
		return nil, ErrJobNotFound
	}

	return job, nil
}

func (m *Manager) conflictKey(params Params) string {
	if m.cfg.ConflictScope == ConflictByWorkdir && params.Dir != "" {
		return params.Dir
	}

	return params.Target
}

// finalize performs the terminal bookkeeping for a job whose status has
// already been moved to a terminal value: record the completion time and
// root cause, release every lease the job holds, free its conflict key, and
// broadcast the final status. Leases are released before the job is
// observable as done.
func (m *Manager) finalize(job *Job, cause error) {
	if cause != nil {
		job.setError(cause.Error())
	}

	job.mu.Lock()
	job.completed = time.Now()
	job.mu.Unlock()

	m.registry.ReleaseOwned(job.id)

	m.mu.Lock()
	if m.active[job.conflictKey] == job.id {
		delete(m.active, job.conflictKey)
	}
	m.mu.Unlock()

	job.logs.Close()
	close(job.done)

	status := job.Status()

	m.logger.Info("job finished",
		"id", job.id,
		"status", status.String(),
		"error", job.Snapshot().Error,
	)

	if status == StatusCompleted {
		m.publishProgress(job, 100)
	}

	m.publishStatus(job)
}

func (m *Manager) publishStatus(job *Job) {
	m.relay.Publish(relay.Event{
		JobID:  job.id,
		Type:   relay.TypeStatus,
		Status: job.Status().String(),
	})
}

func (m *Manager) publishProgress(job *Job, p int) {
	if !job.setProgress(p) {
		return
	}

	m.relay.Publish(relay.Event{
		JobID:    job.id,
		Type:     relay.TypeProgress,
		Progress: job.Progress(),
	})
}

// pruneLoop removes terminal jobs past the retention window. Jobs are
// destroyed only here, never by the jobs themselves.
func (m *Manager) pruneLoop() {
	interval := m.cfg.Retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.prune(time.Now().Add(-m.cfg.Retention))
		}
	}
}

func (m *Manager) prune(olderThan time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]

	for _, id := range m.order {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}

		job.mu.Lock()
		completed := job.completed
		job.mu.Unlock()

		if job.Status().Terminal() && !completed.IsZero() && completed.Before(olderThan) {
			delete(m.jobs, id)

			continue
		}

		kept = append(kept, id)
	}

	m.order = kept
}
