package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/graphloom/loom/ingest"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// submitRequest is the body of POST /api/jobs
type submitRequest struct {
	SourceRef string `json:"source_ref"`
}

// HandleJobs handles requests to /api/jobs
// POST: Submit a document for ingestion
// GET: List jobs, optionally filtered by status
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		writeError(w, http.StatusBadRequest, "source_ref is required")
		return
	}

	job, err := s.pipeline.Submit(req.SourceRef)
	if err != nil {
		s.logger.Errorw("Failed to submit job", "source_ref", req.SourceRef, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	s.logger.Infow("Job submitted", "job_id", shortID(job.ID), "source_ref", req.SourceRef)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultJobLimit, maxJobLimit)

	var status *ingest.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !ingest.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "Unknown status filter: "+raw)
			return
		}
		st := ingest.Status(raw)
		status = &st
	}

	jobs, err := s.pipeline.Queue().Store().List(status, limit)
	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleJob handles requests to /api/jobs/{id}
// GET: Get job details
// Sub-resource: /api/jobs/{id}/progress (poll fallback for the WebSocket stream)
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if jobID == "stats" {
		s.handleJobStats(w, r)
		return
	}

	if len(pathParts) > 1 && pathParts[1] == "progress" {
		s.handleJobProgress(w, r, jobID)
		return
	}

	job, err := s.pipeline.Queue().Get(jobID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", shortID(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleJobStats returns job counts per status plus queue depth
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.pipeline.Queue().Store().CountByStatus()
	if err != nil {
		s.logger.Errorw("Failed to count jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}
	depth, err := s.pipeline.Queue().Depth()
	if err != nil {
		s.logger.Errorw("Failed to read queue depth", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read queue depth")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_status":   counts,
		"queue_depth": depth,
		"workers":     s.pipeline.Workers(),
	})
}

// handleJobProgress returns the most recent progress event for a job.
// Clients that miss WebSocket events poll this instead.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	if event, ok := s.broadcaster.Last(jobID); ok {
		writeJSON(w, http.StatusOK, event)
		return
	}

	// No event published yet; derive one from the persisted job record
	job, err := s.pipeline.Queue().Get(jobID)
	if err != nil {
		if isNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", shortID(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   job.ID,
		"seq":      0,
		"stage":    string(job.Stage),
		"status":   string(job.Status),
		"percent":  job.ProgressPercent,
		"terminal": job.Status.IsTerminal(),
	})
}

// parseLimit reads the ?limit query parameter, clamped to [1, max]
func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
