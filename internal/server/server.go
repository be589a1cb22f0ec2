// Package server exposes the migration engine over HTTP. Every /api route
// is gated by a migration token; archives move as raw streams and
// everything else as JSON.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/logging"
	"github.com/soltura/migrate/internal/migration"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
	"github.com/soltura/migrate/internal/transfer"
)

// Server holds the HTTP server dependencies.
type Server struct {
	reg         *schema.Registry
	store       store.Store
	media       blob.Store
	ledger      ledger.Store
	archives    blob.Store
	environment string

	exporter    *migration.Exporter
	importer    *migration.Importer
	checkpoints *migration.Checkpointer
	transfers   *transfer.Service

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// trackJob registers a detached job's cancel func so handleCancelJob can
// reach it while the job runs.
func (s *Server) trackJob(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = cancel
}

func (s *Server) untrackJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// cancelJob fires a tracked job's cancel func. It reports false when the
// job is not running in this process.
func (s *Server) cancelJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[id]
	if ok {
		cancel()
	}
	return ok
}

// Options carries the dependencies for New.
type Options struct {
	Registry    *schema.Registry
	Store       store.Store
	Media       blob.Store
	Ledger      ledger.Store
	Archives    blob.Store
	Environment string
}

// New creates an API server.
func New(opts Options) *Server {
	cp := migration.NewCheckpointer(opts.Store, opts.Registry, opts.Archives, opts.Ledger, opts.Environment)
	return &Server{
		reg:         opts.Registry,
		store:       opts.Store,
		media:       opts.Media,
		ledger:      opts.Ledger,
		archives:    opts.Archives,
		environment: opts.Environment,
		exporter:    migration.NewExporter(opts.Store, opts.Registry, opts.Media, opts.Environment),
		importer:    migration.NewImporter(opts.Store, opts.Registry, opts.Media).WithCheckpoints(cp),
		checkpoints: cp,
		transfers:   transfer.NewService(slog.Default()),
		running:     make(map[string]context.CancelFunc),
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/api/migration", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/export", s.handleStartExport)
		r.Post("/import", s.handleImport)
		r.Post("/receive", s.handleReceive)
		r.Post("/verify", s.handleVerify)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/archive", s.handleDownloadArchive)

		r.Get("/media", s.handleListMedia)
		r.Get("/media/fetch", s.handleFetchMedia)

		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Post("/checkpoints", s.handleCreateCheckpoint)
		r.Post("/checkpoints/{id}/rollback", s.handleRollback)

		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens", s.handleCreateToken)
		r.Delete("/tokens/{value}", s.handleRevokeToken)
	})
	return r
}

// requireToken rejects requests without a valid migration token and stamps
// the token's last use.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := r.Header.Get(transfer.TokenHeader)
		if value == "" {
			writeError(w, http.StatusUnauthorized, "missing migration token")
			return
		}
		tok, err := s.ledger.GetToken(r.Context(), value)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unknown migration token")
			return
		}
		if !tok.IsValid() {
			writeError(w, http.StatusUnauthorized, "token revoked or expired")
			return
		}
		need := ledger.PermWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			need = ledger.PermRead
		}
		if !tok.Allows(need) {
			writeError(w, http.StatusForbidden, "token lacks "+string(need)+" permission")
			return
		}
		tok.Touch()
		if err := s.ledger.UpdateToken(r.Context(), tok); err != nil {
			logging.FromContext(r.Context()).Warn("updating token use", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": s.environment,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
