package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
	"github.com/devpad/devpad/internal/scaffold"
	"github.com/devpad/devpad/internal/supervisor"
	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

var (
	errNotReady = errors.New("server not accepting connections yet")

	// errCancelled aborts a readiness poll whose job was cancelled mid-wait.
	// It never reaches settle: the launch path maps it to a nil error so the
	// job reports cancelled, not failed, and never ready.
	errCancelled = errors.New("job cancelled")
)

// workerLoop dequeues pending jobs in FIFO order. Each worker owns exactly
// one ProcessHandle and the job's leases for the duration of a run.
func (m *Manager) workerLoop() {
	for {
		select {
		case <-m.stop:
			return
		case job := <-m.queue:
			m.run(job)
		}
	}
}

func (m *Manager) run(job *Job) {
	// A job cancelled while still queued has already been finalized; the
	// queue entry is just skipped.
	if job.status.Transition(StatusPending, StatusRunning) != nil {
		return
	}

	job.setStarted()
	m.publishStatus(job)
	m.publishProgress(job, 5)

	m.logger.Info("job started", "id", job.id, "kind", job.kind)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker panic", "id", job.id, "panic", r)

			if job.status.Transition(StatusRunning, StatusFailed) != nil {
				job.status.Transition(StatusCancelling, StatusFailed)
			}

			m.finalize(job, fmt.Errorf("internal error: %v", r))
		}
	}()

	var err error

	switch job.kind {
	case KindBuild:
		err = m.runBuild(job)
	case KindLaunch:
		err = m.runLaunch(job)
	case KindTemplateCreate:
		err = m.runTemplateCreate(job)
	}

	m.settle(job, err)
}

// settle moves the job to its terminal status. A cancelled job reports
// cancelled even if the process exited with an error, except when the
// process group could not be confirmed dead, which is always fatal.
func (m *Manager) settle(job *Job, err error) {
	for {
		switch job.Status() {
		case StatusRunning:
			to := StatusCompleted
			if err != nil {
				to = StatusFailed
			}

			if job.status.Transition(StatusRunning, to) == nil {
				m.finalize(job, err)

				return
			}
		case StatusCancelling:
			to := StatusCancelled

			var cause error

			var termErr *supervisor.TerminationError
			if errors.As(err, &termErr) {
				to = StatusFailed
				cause = err
			}

			if job.status.Transition(StatusCancelling, to) == nil {
				m.finalize(job, cause)

				return
			}
		default:
			return
		}
	}
}

func (m *Manager) runBuild(job *Job) error {
	handle, err := m.spawn(job, nil)
	if err != nil {
		return err
	}

	return m.awaitExit(job, handle, nil)
}

func (m *Manager) runLaunch(job *Job) error {
	portLease, err := m.registry.Acquire(registry.KindPort, job.id, job.params.Port)
	if err != nil {
		return err
	}

	env := []string{fmt.Sprintf("PORT=%d", portLease.Value)}

	if job.params.NeedsDisplay {
		displayLease, err := m.registry.Acquire(registry.KindDisplay, job.id, 0)
		if err != nil {
			return err
		}

		env = append(env, fmt.Sprintf("DISPLAY=:%d", displayLease.Value))
	}

	handle, err := m.spawn(job, env)
	if err != nil {
		return err
	}

	readyByLog := &atomic.Bool{}

	var matcher *regexp.Regexp
	if job.params.ReadyPattern != "" {
		// Validated at submission.
		matcher = regexp.MustCompile(job.params.ReadyPattern)
	}

	streamDone := m.streamOutput(job, handle, matcher, readyByLog)
	termErrCh := m.watchCancel(job, handle)

	if err := m.awaitReady(job, handle, portLease, readyByLog); err != nil {
		// A cancelled job is being terminated by watchCancel already; only a
		// genuine readiness failure tears the process down here.
		if !errors.Is(err, errCancelled) {
			if termErr := handle.Terminate(m.cfg.GracePeriod); termErr != nil {
				err = termErr
			}
		}

		// A group that survived SIGKILL outranks the readiness error.
		if drainErr := m.drain(handle, streamDone, termErrCh); drainErr != nil {
			err = drainErr
		}

		if errors.Is(err, errCancelled) {
			return nil
		}

		return err
	}

	host := job.params.Host
	if host == "" {
		host = "localhost"
	}

	url := fmt.Sprintf("http://%s:%d", host, portLease.Value)

	job.setResult(&Result{
		URL:  url,
		Port: portLease.Value,
		Dir:  job.params.Dir,
	})

	m.publishProgress(job, 50)

	m.relay.Publish(relay.Event{
		JobID: job.id,
		Type:  relay.TypeReady,
		URL:   url,
	})

	m.logger.Info("job ready", "id", job.id, "url", url)

	exit := handle.Wait()

	if err := m.drain(handle, streamDone, termErrCh); err != nil {
		return err
	}

	if job.cancelRequested() {
		return nil
	}

	if exit != 0 {
		return fmt.Errorf("process exited with code %d", exit)
	}

	return nil
}

func (m *Manager) runTemplateCreate(job *Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-job.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.appendLog(job, fmt.Sprintf(
		"rendering template %q into %s",
		job.params.Template,
		job.params.Dir,
	))
	m.publishProgress(job, 25)

	project, err := m.engine.Render(
		ctx,
		job.params.Template,
		job.params.Dir,
		scaffold.Vars(job.params.Vars),
	)
	if err != nil {
		if job.cancelRequested() {
			return nil
		}

		return err
	}

	m.appendLog(job, fmt.Sprintf("project created at %s", project.Dir))
	m.publishProgress(job, 90)

	job.setResult(&Result{Dir: project.Dir})

	return nil
}

// spawn resolves the job's command line, merges its environment over the
// server's, and starts it as a new process group.
func (m *Manager) spawn(job *Job, extraEnv []string) (*supervisor.Handle, error) {
	env := os.Environ()
	for k, v := range job.params.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, extraEnv...)

	handle, err := supervisor.Spawn(job.id, supervisor.Spec{
		Command: job.params.Command,
		Args:    job.params.Args,
		Env:     env,
		Dir:     job.params.Dir,
	})
	if err != nil {
		return nil, err
	}

	job.handle.Store(handle)
	m.publishProgress(job, 10)

	return handle, nil
}

// awaitExit runs the supervision tail common to build and launch: stream
// output, honor cancellation, wait for the leader to exit, and map the exit
// code to an error.
func (m *Manager) awaitExit(
	job *Job,
	handle *supervisor.Handle,
	matcher *regexp.Regexp,
) error {
	streamDone := m.streamOutput(job, handle, matcher, nil)
	termErrCh := m.watchCancel(job, handle)

	exit := handle.Wait()

	if err := m.drain(handle, streamDone, termErrCh); err != nil {
		return err
	}

	if job.cancelRequested() {
		return nil
	}

	if exit != 0 {
		return fmt.Errorf("process exited with code %d", exit)
	}

	return nil
}

// streamOutput copies supervised output lines into the job's log buffer and
// broadcasts them as log events, optionally watching for a readiness
// pattern. The returned channel closes when the output streams do.
func (m *Manager) streamOutput(
	job *Job,
	handle *supervisor.Handle,
	matcher *regexp.Regexp,
	readySeen *atomic.Bool,
) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		lines := handle.Lines()
		defer lines.Close()

		for {
			line, err := lines.Next()
			if err != nil {
				return
			}

			job.logs.Append(line)

			m.relay.Publish(relay.Event{
				JobID:   job.id,
				Type:    relay.TypeLog,
				Time:    line.Time,
				Stream:  string(line.Stream),
				Message: line.Text,
			})

			if matcher != nil && readySeen != nil && matcher.MatchString(line.Text) {
				readySeen.Store(true)
			}
		}
	}()

	return done
}

// watchCancel terminates the process group when cancellation is requested.
// The returned channel carries the termination outcome, if any.
func (m *Manager) watchCancel(
	job *Job,
	handle *supervisor.Handle,
) <-chan error {
	termErr := make(chan error, 1)

	go func() {
		defer close(termErr)

		select {
		case <-job.cancelCh:
			if err := handle.Terminate(m.cfg.GracePeriod); err != nil {
				termErr <- err
			}
		case <-handle.Done():
		}
	}()

	return termErr
}

// drain waits for the output streams to close, bounded by the grace period
// in case a grandchild still holds the pipes, then surfaces any termination
// failure. Cancellation is not reported done until the supervisor has
// confirmed the group is gone.
func (m *Manager) drain(
	handle *supervisor.Handle,
	streamDone <-chan struct{},
	termErrCh <-chan error,
) error {
	select {
	case <-streamDone:
	case <-time.After(m.cfg.GracePeriod):
	}

	<-handle.Done()

	if err := <-termErrCh; err != nil {
		return err
	}

	if handle.GroupAlive() {
		return handle.Terminate(m.cfg.GracePeriod)
	}

	return nil
}

// awaitReady polls until the launched server accepts connections on its
// leased port or logs the readiness pattern, bounded by the configured
// window. Transient probe failures are absorbed; only the final outcome
// surfaces.
func (m *Manager) awaitReady(
	job *Job,
	handle *supervisor.Handle,
	lease registry.Lease,
	readyByLog *atomic.Bool,
) error {
	attempts := uint(m.cfg.ReadinessWindow / m.cfg.ReadinessInterval)
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			if job.cancelRequested() {
				return retry.Unrecoverable(errCancelled)
			}

			if handle.State() == supervisor.StateTerminated {
				return retry.Unrecoverable(fmt.Errorf(
					"process exited with code %d before becoming ready",
					handle.ExitCode(),
				))
			}

			if readyByLog != nil && readyByLog.Load() {
				return nil
			}

			if m.registry.Validate(lease) {
				return nil
			}

			return errNotReady
		},
		retry.Attempts(attempts),
		retry.Delay(m.cfg.ReadinessInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}

	// Cancellation may also land between the last attempt and here.
	if errors.Is(err, errCancelled) || job.cancelRequested() {
		return errCancelled
	}

	if errors.Is(err, errNotReady) {
		return &TimeoutError{Op: "readiness probe", Window: m.cfg.ReadinessWindow}
	}

	return err
}

func (m *Manager) appendLog(job *Job, text string) {
	line := linebuf.Line{
		Stream: linebuf.Stdout,
		Text:   text,
		Time:   time.Now(),
	}

	job.logs.Append(line)

	m.relay.Publish(relay.Event{
		JobID:   job.id,
		Type:    relay.TypeLog,
		Time:    line.Time,
		Stream:  string(line.Stream),
		Message: line.Text,
	})
}
