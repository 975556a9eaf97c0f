// Package api exposes provision status over a small read-only HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/rtcforge/internal/report"
	"github.com/mattjoyce/rtcforge/internal/state"
)

// SnapshotBuilder produces the current status picture.
type SnapshotBuilder interface {
	Build(ctx context.Context) (*report.Snapshot, error)
}

// RunReader reads provision run history.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*state.Run, error)
	StageHistory(ctx context.Context, runID string) ([]state.StageRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the read-only status server.
type Server struct {
	config    Config
	builder   SnapshotBuilder
	runs      RunReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, builder SnapshotBuilder, runs RunReader, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		builder:   builder,
		runs:      runs,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/runs/{runID}", s.handleGetRun)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RunResponse is the GET /v1/runs/{runID} body.
type RunResponse struct {
	Run    *state.Run          `json:"run"`
	Stages []state.StageRecord `json:"stages,omitempty"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Build(r.Context())
	if err != nil {
		s.logger.Error("failed to build status snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build status snapshot")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleGetRun handles GET /v1/runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to read run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	stages, err := s.runs.StageHistory(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to read stage history", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read stage history")
		return
	}

	s.writeJSON(w, http.StatusOK, RunResponse{Run: run, Stages: stages})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
