package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
	"github.com/devpad/devpad/internal/supervisor"
	"github.com/devpad/devpad/internal/supervisor/linebuf"
)

type server struct {
	manager  *jobmanager.Manager
	registry *registry.Registry
	relay    *relay.Relay
	logger   *slog.Logger
	cfg      *config
}

func newServer(
	manager *jobmanager.Manager,
	reg *registry.Registry,
	rel *relay.Relay,
	logger *slog.Logger,
	cfg *config,
) *server {
	return &server{
		manager:  manager,
		registry: reg,
		relay:    rel,
		logger:   logger,
		cfg:      cfg,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleGet)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/jobs/{id}/logs", s.handleLogs)
		r.Get("/events", s.handleEvents)
		r.Get("/resources", s.handleResources)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

// run serves until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *server) run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.routes(),

		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			10*time.Second,
		)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type submitRequest struct {
	Kind   jobmanager.Kind   `json:"kind"`
	Params jobmanager.Params `json:"params"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	// The hostname in a ready URL has to be the one the caller can actually
	// reach, so it is resolved from this request, not hard-coded.
	if req.Params.Host == "" {
		req.Params.Host = registry.ClientHost(r.Header, r.Host)
	}

	id, err := s.manager.Submit(req.Kind, req.Params)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := jobmanager.Filter{
		Status: r.URL.Query().Get("status"),
		Kind:   jobmanager.Kind(r.URL.Query().Get("kind")),
	}

	s.writeJSON(w, http.StatusOK, s.manager.List(filter))
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Cancel(id); err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleLogs replays the job's full log as plain text and then follows it
// until the job's output closes or the client goes away.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := s.manager.Logs(chi.URLParam(r, "id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	defer lines.Close()

	// Unblocks the reader when the client disconnects.
	stopWatch := context.AfterFunc(r.Context(), func() {
		lines.Close()
	})
	defer stopWatch()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	for {
		line, err := lines.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			return
		}

		prefix := ""
		if line.Stream == linebuf.Stderr {
			prefix = "[stderr] "
		}

		if _, err := fmt.Fprintf(w, "%s%s\n", prefix, line.Text); err != nil {
			return
		}

		if canFlush {
			flusher.Flush()
		}
	}
}

type leaseStatus struct {
	registry.Lease

	Reachable bool `json:"reachable"`
}

type resourcesResponse struct {
	Leases       []leaseStatus `json:"leases"`
	FreePorts    int           `json:"free_ports"`
	FreeDisplays int           `json:"free_displays"`
}

func (s *server) handleResources(w http.ResponseWriter, r *http.Request) {
	leases := s.registry.Leases()

	resp := resourcesResponse{
		Leases:       make([]leaseStatus, 0, len(leases)),
		FreePorts:    s.registry.Free(registry.KindPort),
		FreeDisplays: s.registry.Free(registry.KindDisplay),
	}

	for _, lease := range leases {
		resp.Leases = append(resp.Leases, leaseStatus{
			Lease:     lease,
			Reachable: s.registry.Validate(lease),
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, err error, status int) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeAPIError maps the orchestrator error taxonomy onto HTTP statuses.
func (s *server) writeAPIError(w http.ResponseWriter, err error) {
	var (
		validationErr *jobmanager.ValidationError
		conflictErr   *jobmanager.ConflictError
		exhaustionErr *registry.ExhaustionError
		spawnErr      *supervisor.SpawnError
	)

	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, err, http.StatusBadRequest)
	case errors.As(err, &conflictErr):
		s.writeError(w, err, http.StatusConflict)
	case errors.Is(err, jobmanager.ErrJobNotFound):
		s.writeError(w, err, http.StatusNotFound)
	case errors.Is(err, jobmanager.ErrJobTerminal):
		s.writeError(w, err, http.StatusConflict)
	case errors.Is(err, jobmanager.ErrQueueFull):
		s.writeError(w, err, http.StatusServiceUnavailable)
	case errors.As(err, &exhaustionErr):
		s.writeError(w, err, http.StatusServiceUnavailable)
	case errors.As(err, &spawnErr):
		s.writeError(w, err, http.StatusUnprocessableEntity)
	default:
		s.writeError(w, err, http.StatusInternalServerError)
	}
}
