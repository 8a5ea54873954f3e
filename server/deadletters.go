package server

import (
	"net/http"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/ingest"
)

// HandleDeadLetters handles requests to /api/deadletters
// GET: List dead-lettered jobs, newest first
func (s *Server) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := parseLimit(r, defaultJobLimit, maxJobLimit)
	letters, err := s.pipeline.DeadLetters().List(limit)
	if err != nil {
		s.logger.Errorw("Failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	count, err := s.pipeline.DeadLetters().Count()
	if err != nil {
		s.logger.Errorw("Failed to count dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to count dead letters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        count,
	})
}

// HandleDeadLetter handles requests to /api/deadletters/{id}
// GET: Get dead letter details
// POST /api/deadletters/{id}/reprocess: Re-submit as a fresh job
func (s *Server) HandleDeadLetter(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/deadletters/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing dead letter ID")
		return
	}
	id := pathParts[0]

	if len(pathParts) > 1 && pathParts[1] == "reprocess" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleReprocess(w, r, id)
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	letter, err := s.pipeline.DeadLetters().Get(id)
	if err != nil {
		if errors.Is(err, ingest.ErrDeadLetterNotFound) {
			writeError(w, http.StatusNotFound, "Dead letter not found")
			return
		}
		s.logger.Errorw("Failed to get dead letter", "id", shortID(id), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get dead letter")
		return
	}

	writeJSON(w, http.StatusOK, letter)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.pipeline.Reprocess(id)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDeadLetterNotFound):
			writeError(w, http.StatusNotFound, "Dead letter not found")
		case errors.Is(err, ingest.ErrAlreadyReprocessed):
			writeError(w, http.StatusConflict, "Dead letter already reprocessed")
		default:
			s.logger.Errorw("Failed to reprocess dead letter", "id", shortID(id), "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to reprocess dead letter")
		}
		return
	}

	s.logger.Infow("Dead letter reprocessed", "dead_letter_id", shortID(id),
		"new_job_id", shortID(job.ID))
	writeJSON(w, http.StatusAccepted, job)
}
