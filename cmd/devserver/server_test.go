package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
)

type testServer struct {
	ts       *httptest.Server
	manager  *jobmanager.Manager
	registry *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := registry.New(registry.Config{
		Ports:    registry.Range{Min: 9200, Max: 9201},
		Displays: registry.Range{Min: 10, Max: 11},
	})

	rel := relay.New(0)

	manager := jobmanager.New(jobmanager.Config{
		GracePeriod:       time.Second,
		ReadinessWindow:   2 * time.Second,
		ReadinessInterval: 25 * time.Millisecond,
	}, reg, rel, nil, nil)
	manager.Start()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := newServer(manager, reg, rel, logger, defaultConfig())

	ts := httptest.NewServer(srv.routes())

	t.Cleanup(func() {
		ts.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		manager.Shutdown(ctx)
		rel.Close()
	})

	return &testServer{ts: ts, manager: manager, registry: reg}
}

func (s *testServer) submit(t *testing.T, kind jobmanager.Kind, params jobmanager.Params) string {
	t.Helper()

	body, status := s.request(t, http.MethodPost, "/api/jobs", submitRequest{
		Kind:   kind,
		Params: params,
	})

	if status != http.StatusAccepted {
		t.Fatalf("expected status 202: got '%d' (%s)", status, body)
	}

	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if resp["id"] == "" {
		t.Fatal("expected a job id in the response")
	}

	return resp["id"]
}

func (s *testServer) request(t *testing.T, method, path string, payload any) ([]byte, int) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, body)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return data, resp.StatusCode
}

func (s *testServer) awaitTerminal(t *testing.T, id string) jobmanager.Snapshot {
	t.Helper()

	done, err := s.manager.Done(id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("job '%s' did not reach a terminal state", id)
	}

	snapshot, err := s.manager.Get(id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return snapshot
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	body, status := s.request(t, http.MethodGet, "/healthz", nil)

	if status != http.StatusOK {
		t.Errorf("expected status 200: got '%d'", status)
	}

	if string(body) != "ok" {
		t.Errorf("expected body 'ok': got '%s'", body)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("Test accepted submission runs to completion", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
			Target:  "my_app",
			Command: "sh",
			Args:    []string{"-c", "echo hello"},
		})

		snapshot := s.awaitTerminal(t, id)

		if snapshot.Status != "completed" {
			t.Errorf("expected status completed: got '%s'", snapshot.Status)
		}
	})

	t.Run("Test invalid parameters are a 400", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		body, status := s.request(t, http.MethodPost, "/api/jobs", submitRequest{
			Kind:   jobmanager.KindBuild,
			Params: jobmanager.Params{Target: "my_app"},
		})

		if status != http.StatusBadRequest {
			t.Errorf("expected status 400: got '%d' (%s)", status, body)
		}
	})

	t.Run("Test malformed body is a 400", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		resp, err := s.ts.Client().Post(
			s.ts.URL+"/api/jobs",
			"application/json",
			strings.NewReader("{not json"),
		)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400: got '%d'", resp.StatusCode)
		}
	})

	t.Run("Test conflicting submission is a 409", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
			Target:  "my_app",
			Command: "sleep",
			Args:    []string{"30"},
		})

		// Wait for the first job to hold the conflict key as running.
		deadline := time.Now().Add(5 * time.Second)
		for {
			snapshot, err := s.manager.Get(id)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if snapshot.Status == "running" {
				break
			}

			if time.Now().After(deadline) {
				t.Fatal("job never started running")
			}

			time.Sleep(10 * time.Millisecond)
		}

		body, status := s.request(t, http.MethodPost, "/api/jobs", submitRequest{
			Kind:   jobmanager.KindBuild,
			Params: jobmanager.Params{Target: "my_app", Command: "true"},
		})

		if status != http.StatusConflict {
			t.Errorf("expected status 409: got '%d' (%s)", status, body)
		}

		s.request(t, http.MethodDelete, "/api/jobs/"+id, nil)
		s.awaitTerminal(t, id)
	})
}

func TestGetEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
		Target:  "my_app",
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two"},
	})

	s.awaitTerminal(t, id)

	body, status := s.request(t, http.MethodGet, "/api/jobs/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200: got '%d'", status)
	}

	var snapshot jobmanager.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if snapshot.ID != id || snapshot.Status != "completed" || snapshot.LogLen != 2 {
		t.Errorf("unexpected snapshot: got '%+v'", snapshot)
	}

	_, status = s.request(t, http.MethodGet, "/api/jobs/no-such-job", nil)
	if status != http.StatusNotFound {
		t.Errorf("expected status 404: got '%d'", status)
	}
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
		Target:  "my_app",
		Command: "sleep",
		Args:    []string{"30"},
	})

	_, status := s.request(t, http.MethodDelete, "/api/jobs/"+id, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected status 202: got '%d'", status)
	}

	snapshot := s.awaitTerminal(t, id)
	if snapshot.Status != "cancelled" {
		t.Errorf("expected status cancelled: got '%s'", snapshot.Status)
	}

	// Terminal jobs refuse further cancellation.
	_, status = s.request(t, http.MethodDelete, "/api/jobs/"+id, nil)
	if status != http.StatusConflict {
		t.Errorf("expected status 409: got '%d'", status)
	}

	_, status = s.request(t, http.MethodDelete, "/api/jobs/no-such-job", nil)
	if status != http.StatusNotFound {
		t.Errorf("expected status 404: got '%d'", status)
	}
}

func TestLogsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
		Target:  "my_app",
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})

	s.awaitTerminal(t, id)

	body, status := s.request(t, http.MethodGet, fmt.Sprintf("/api/jobs/%s/logs", id), nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200: got '%d'", status)
	}

	text := string(body)

	if !strings.Contains(text, "out\n") {
		t.Errorf("expected stdout line in body: got '%s'", text)
	}

	if !strings.Contains(text, "[stderr] err\n") {
		t.Errorf("expected tagged stderr line in body: got '%s'", text)
	}

	_, status = s.request(t, http.MethodGet, "/api/jobs/no-such-job/logs", nil)
	if status != http.StatusNotFound {
		t.Errorf("expected status 404: got '%d'", status)
	}
}

func TestResourcesEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	lease, err := s.registry.Acquire(registry.KindPort, "some-job", 0)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer s.registry.Release(lease)

	body, status := s.request(t, http.MethodGet, "/api/resources", nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200: got '%d'", status)
	}

	var resp resourcesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if len(resp.Leases) != 1 || resp.Leases[0].Value != lease.Value {
		t.Errorf("expected the acquired lease: got '%+v'", resp.Leases)
	}

	if resp.FreePorts != 1 {
		t.Errorf("expected one free port: got '%d'", resp.FreePorts)
	}

	if resp.FreeDisplays != 2 {
		t.Errorf("expected two free displays: got '%d'", resp.FreeDisplays)
	}
}

func TestEventsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/events"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	id := s.submit(t, jobmanager.KindBuild, jobmanager.Params{
		Target:  "my_app",
		Command: "sh",
		Args:    []string{"-c", "echo hello"},
	})

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var (
		sawLog    bool
		completed bool
	)

	for !completed {
		var event relay.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if event.JobID != id {
			continue
		}

		switch event.Type {
		case relay.TypeLog:
			sawLog = event.Message == "hello"
		case relay.TypeStatus:
			completed = event.Status == "completed"
		}
	}

	if !sawLog {
		t.Error("expected to observe the job's log line over the socket")
	}
}
