package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/worker"
)

type singleJobRequest struct {
	Item string `json:"item"`
}

type targetJobRequest struct {
	Target   string `json:"target"`
	MaxItems int    `json:"max_items"`
}

type batchJobRequest struct {
	Targets  []string `json:"targets"`
	MaxItems int      `json:"max_items"`
}

type jobResponse struct {
	JobID  string            `json:"job_id"`
	Status fetch.JobStatus   `json:"status"`
	Job    fetch.JobSnapshot `json:"job"`
}

func (s *Server) submitSingle(w http.ResponseWriter, r *http.Request) {
	var req singleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.createJob(w, fetch.JobKindSingleItem, fetch.Target{Identifier: strings.TrimSpace(req.Item)}, fetch.JobOptions{})
}

func (s *Server) submitTarget(w http.ResponseWriter, r *http.Request) {
	var req targetJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxItems < 0 {
		writeError(s.logger, w, http.StatusBadRequest, "max_items must be >= 0")
		return
	}
	s.createJob(w, fetch.JobKindFullTarget,
		fetch.Target{Identifier: strings.TrimSpace(req.Target)},
		fetch.JobOptions{MaxItems: req.MaxItems})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxItems < 0 {
		writeError(s.logger, w, http.StatusBadRequest, "max_items must be >= 0")
		return
	}
	targets := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	s.createJob(w, fetch.JobKindBatch, fetch.Target{Identifiers: targets}, fetch.JobOptions{MaxItems: req.MaxItems})
}

func (s *Server) createJob(w http.ResponseWriter, kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) {
	snap, err := s.deps.Jobs.CreateJob(kind, target, opts)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, worker.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeError(s.logger, w, status, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, jobResponse{JobID: snap.ID, Status: snap.Status, Job: snap})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := fetch.JobStatus(r.URL.Query().Get("status"))
	jobs := s.deps.Reader.List()
	if filter != "" {
		kept := jobs[:0]
		for _, job := range jobs {
			if job.Status == filter {
				kept = append(kept, job)
			}
		}
		jobs = kept
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, err := s.deps.Reader.Get(jobID)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, jobResponse{JobID: snap.ID, Status: snap.Status, Job: snap})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Jobs.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, fetch.ErrJobNotFound):
			writeError(s.logger, w, http.StatusNotFound, "job not found")
		case errors.Is(err, fetch.ErrInvalidTransition):
			writeError(s.logger, w, http.StatusConflict, err.Error())
		default:
			writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

func (s *Server) jobStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"jobs":           s.deps.Reader.Counts(),
		"active_workers": s.deps.Jobs.Active(),
	})
}

func (s *Server) limits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.deps.Access.Limits())
}

func (s *Server) accessStats(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(s.logger, w, http.StatusBadRequest, "key query parameter required")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, s.deps.Access.Stats(key))
}

func (s *Server) accessGlobal(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.deps.Access.GlobalStats())
}

func (s *Server) storageCleanup(w http.ResponseWriter, r *http.Request) {
	// Detached from the request: a disconnect must not cut a pass short.
	report, err := s.deps.Storage.RunCleanup(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("storage cleanup failed", zap.Error(err))
		writeJSON(s.logger, w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, report)
}

func (s *Server) storageStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.deps.Storage.Stats()
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, stats)
}

func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets, err := s.deps.Downloads.ListTargets()
	if err != nil {
		s.logger.Error("list targets failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, targets)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	f, info, err := s.deps.Downloads.Open(rel)
	switch {
	case errors.Is(err, local.ErrInvalidPath):
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, local.ErrFileNotFound):
		writeError(s.logger, w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("open download failed", zap.String("path", rel), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "could not open file")
		return
	}
	defer func() {
		_ = f.Close()
	}()
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name()}))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
