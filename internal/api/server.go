package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/storage/cleanup"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
)

// JobService creates and cancels jobs.
type JobService interface {
	CreateJob(kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) (fetch.JobSnapshot, error)
	Cancel(id string) error
	Active() int
}

// JobReader serves job snapshots for polling.
type JobReader interface {
	Get(id string) (fetch.JobSnapshot, error)
	List() []fetch.JobSnapshot
	Counts() memory.Counts
}

// AccessGovernor admits callers and reports their usage.
type AccessGovernor interface {
	Check(key string, isDownload bool) ratelimit.Decision
	Stats(key string) ratelimit.ClientStats
	GlobalStats() ratelimit.GlobalStats
	Limits() ratelimit.Limits
}

// StorageGovernor runs cleanup and reports usage of the download root.
type StorageGovernor interface {
	RunCleanup(ctx context.Context) (cleanup.Report, error)
	Stats() (cleanup.Stats, error)
}

// DownloadStore lists targets and serves files under the download root.
type DownloadStore interface {
	ListTargets() ([]local.TargetListing, error)
	Open(rel string) (afero.File, fs.FileInfo, error)
}

// Deps bundles the collaborators a Server routes to.
type Deps struct {
	Jobs      JobService
	Reader    JobReader
	Access    AccessGovernor
	Storage   StorageGovernor
	Downloads DownloadStore
	Clock     fetch.Clock
}

// Server wires HTTP handlers to the orchestrator and governors.
type Server struct {
	router  chi.Router
	deps    Deps
	cfg     config.Config
	logger  *zap.Logger
	version string
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/stats", s.jobStats)
			r.Get("/limits", s.limits)
			r.Get("/targets", s.listTargets)
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listJobs)
				r.Group(func(r chi.Router) {
					r.Use(s.admit(true))
					r.Post("/single", s.submitSingle)
					r.Post("/target", s.submitTarget)
					r.Post("/batch", s.submitBatch)
				})
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.With(s.admit(false)).Post("/cancel", s.cancelJob)
				})
			})
		})
		// Streamed without the timeout, which would buffer the whole file.
		r.With(s.admit(false)).Get("/files/*", s.getFile)
		r.Route("/admin", func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Get("/access/stats", s.accessStats)
				r.Get("/access/global", s.accessGlobal)
				r.Get("/storage/stats", s.storageStats)
			})
			// No timeout: a cleanup pass always runs to completion.
			r.Post("/storage/cleanup", s.storageCleanup)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"status":    "ready",
		"version":   s.version,
		"timestamp": s.now().Format(time.RFC3339),
	})
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now().UTC()
}
