package supervisor_test

import (
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/devpad/devpad/internal/supervisor"
	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

func spawnTestProcess(t *testing.T, command string, args ...string) *supervisor.Handle {
	t.Helper()

	handle, err := supervisor.Spawn("test-job", supervisor.Spec{
		Command: command,
		Args:    args,
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return handle
}

func collectLines(t *testing.T, handle *supervisor.Handle) []linebuf.Line {
	t.Helper()

	var lines []linebuf.Line

	reader := handle.Lines()
	defer reader.Close()

	for {
		line, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF: got '%v'", err)
			}

			return lines
		}

		lines = append(lines, line)
	}
}

func TestSpawn(t *testing.T) {
	t.Parallel()

	t.Run("Test run to completion captures tagged lines", func(t *testing.T) {
		t.Parallel()

		handle := spawnTestProcess(t, "sh", "-c", "echo out; echo err 1>&2")

		if exit := handle.Wait(); exit != 0 {
			t.Errorf("expected exit code: got '%d', want '0'", exit)
		}

		if got := handle.State(); got != supervisor.StateTerminated {
			t.Errorf("expected state: got '%s', want 'Terminated'", got)
		}

		lines := collectLines(t, handle)
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines: got '%v'", lines)
		}

		byStream := map[linebuf.Stream]string{}
		for _, line := range lines {
			byStream[line.Stream] = line.Text
		}

		if byStream[linebuf.Stdout] != "out" {
			t.Errorf("expected stdout line: got '%s'", byStream[linebuf.Stdout])
		}

		if byStream[linebuf.Stderr] != "err" {
			t.Errorf("expected stderr line: got '%s'", byStream[linebuf.Stderr])
		}
	})

	t.Run("Test exit code is reported", func(t *testing.T) {
		t.Parallel()

		handle := spawnTestProcess(t, "sh", "-c", "exit 3")

		if exit := handle.Wait(); exit != 3 {
			t.Errorf("expected exit code: got '%d', want '3'", exit)
		}
	})

	t.Run("Test missing executable", func(t *testing.T) {
		t.Parallel()

		_, err := supervisor.Spawn("test-job", supervisor.Spec{
			Command: "definitely-not-a-real-binary-xyz",
		})

		var spawnErr *supervisor.SpawnError
		if !errors.As(err, &spawnErr) {
			t.Errorf("expected SpawnError: got '%v'", err)
		}
	})

	t.Run("Test invalid working directory", func(t *testing.T) {
		t.Parallel()

		_, err := supervisor.Spawn("test-job", supervisor.Spec{
			Command: "echo",
			Dir:     "/definitely/not/a/real/dir",
		})

		var spawnErr *supervisor.SpawnError
		if !errors.As(err, &spawnErr) {
			t.Errorf("expected SpawnError: got '%v'", err)
		}
	})

	t.Run("Test empty command", func(t *testing.T) {
		t.Parallel()

		_, err := supervisor.Spawn("test-job", supervisor.Spec{})

		var spawnErr *supervisor.SpawnError
		if !errors.As(err, &spawnErr) {
			t.Errorf("expected SpawnError: got '%v'", err)
		}
	})
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	t.Run("Test terminate kills entire process group", func(t *testing.T) {
		t.Parallel()

		// The shell forks a child into the same group; both must die.
		handle := spawnTestProcess(t, "sh", "-c", "sleep 30 & sleep 30")

		if err := handle.Terminate(time.Second); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		select {
		case <-handle.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("group leader did not exit after terminate")
		}

		// Signal 0 to the whole group should fail with ESRCH once every
		// member is gone.
		if err := syscall.Kill(-handle.Pgid(), 0); !errors.Is(err, syscall.ESRCH) {
			t.Errorf("expected empty process group: kill(0) returned '%v'", err)
		}
	})

	t.Run("Test terminate escalates to SIGKILL", func(t *testing.T) {
		t.Parallel()

		// The child ignores SIGTERM, so only the escalation can end it.
		handle := spawnTestProcess(t, "sh", "-c", `trap "" TERM; sleep 30`)

		if err := handle.Terminate(200 * time.Millisecond); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if handle.GroupAlive() {
			t.Error("expected process group to be gone after escalation")
		}
	})

	t.Run("Test terminate on exited handle is a no-op", func(t *testing.T) {
		t.Parallel()

		handle := spawnTestProcess(t, "sh", "-c", "exit 0")
		handle.Wait()

		if err := handle.Terminate(time.Second); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := handle.Terminate(time.Second); err != nil {
			t.Errorf("expected second terminate to be a no-op: got '%v'", err)
		}
	})

	t.Run("Test wait returns signal exit as -1", func(t *testing.T) {
		t.Parallel()

		handle := spawnTestProcess(t, "sleep", "30")

		if err := handle.Terminate(50 * time.Millisecond); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if exit := handle.Wait(); exit != -1 {
			t.Errorf("expected exit code: got '%d', want '-1'", exit)
		}
	})
}
