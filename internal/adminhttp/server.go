// Package adminhttp exposes the operator-facing health/stats surface from
// spec.md §6 — never the binary protocol itself, and never a dashboard
// (spec.md §1's Non-goals). Grounded on the teacher's internal/http
// package: a chi router, a small JSON Response envelope, and a
// *http.Server wrapped with Start/Stop.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andrewgoldstein/velocitydb/internal/engine"
)

const shutdownTimeout = 5 * time.Second

type status string

const (
	statusOK    status = "OK"
	statusError status = "error"
)

// response is the JSON envelope every admin endpoint returns.
type response struct {
	Status status      `json:"status"`
	Stats  interface{} `json:"stats,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server serves /healthz and /statz over plain HTTP for operators and
// monitoring, backed by a live engine.Engine.
type Server struct {
	eng  *engine.Engine
	addr string
	log  *slog.Logger
	http *http.Server
}

// NewServer returns an admin server bound to addr, not yet listening.
func NewServer(eng *engine.Engine, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{eng: eng, addr: addr, log: log.With("component", "adminhttp")}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statz", s.handleStatz)
	return r
}

// Start begins serving in the background; errors after startup are logged,
// not returned, matching the teacher's fire-and-forget ListenAndServe.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin http server error", "err", err)
		}
	}()
	s.log.Info("admin http server started", "addr", s.addr)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("adminhttp: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: statusOK})
}

func (s *Server) handleStatz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: statusOK, Stats: s.eng.Stats()})
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("adminhttp: failed to encode response", "err", err)
	}
}
