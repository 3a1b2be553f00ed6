// Package api serves the run journal over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"flightlog/internal/storage"
)

const maxLimit = 500

// RunStore is the part of the journal the API reads.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	FileEvents(ctx context.Context, runID string) ([]storage.FileEvent, error)
}

// Server exposes journaled runs and their per-file outcomes.
type Server struct {
	store RunStore
	addr  string
	log   *slog.Logger
}

// NewServer creates a journal API server listening on addr.
func NewServer(store RunStore, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, addr: addr, log: logger}
}

// Router returns the configured routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run_id}", s.handleGetRun)
		r.Get("/runs/{run_id}/files", s.handleRunFiles)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("journal API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// RunResponse is the JSON form of a run.
type RunResponse struct {
	ID              string `json:"run_id"`
	Command         string `json:"command"`
	Status          string `json:"status"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at,omitempty"`
	FilesSucceeded  int    `json:"files_succeeded"`
	FilesSkipped    int    `json:"files_skipped"`
	FilesFailed     int    `json:"files_failed"`
	SummaryInserted int    `json:"summary_inserted"`
	InfoInserted    int    `json:"info_inserted"`
	BatchesFailed   int    `json:"batches_failed"`
	Error           string `json:"error,omitempty"`
}

// FileResponse is the JSON form of one file outcome.
type FileResponse struct {
	FlightID   string `json:"flight_id"`
	SourcePath string `json:"source_path"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
}

func runToResponse(r storage.Run) RunResponse {
	resp := RunResponse{
		ID:              r.ID,
		Command:         r.Command,
		Status:          r.Status,
		StartedAt:       r.StartedAt.UTC().Format(time.RFC3339),
		FilesSucceeded:  r.Totals.FilesSucceeded,
		FilesSkipped:    r.Totals.FilesSkipped,
		FilesFailed:     r.Totals.FilesFailed,
		SummaryInserted: r.Totals.SummaryInserted,
		InfoInserted:    r.Totals.InfoInserted,
		BatchesFailed:   r.Totals.BatchesFailed,
	}
	if r.FinishedAt != nil {
		resp.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	if r.Error != nil {
		resp.Error = *r.Error
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(*run))
}

func (s *Server) handleRunFiles(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	events, err := s.store.FileEvents(r.Context(), run.ID)
	if err != nil {
		s.log.Error("list file events failed", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	out := make([]FileResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, FileResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupRun resolves {run_id}, writing the error response when it fails.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*storage.Run, bool) {
	id := chi.URLParam(r, "run_id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.log.Error("get run failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
