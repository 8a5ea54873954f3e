package server

import (
	"net/http"

	"github.com/graphloom/loom/config"
)

// HandleHealth handles requests to /api/health
// GET: Aggregated health report (failure rate, queue depth, stage latencies,
// circuit states, active alerts)
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	report, err := s.monitor.Report()
	if err != nil {
		s.logger.Errorw("Failed to build health report", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to build health report")
		return
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// HandleAlerts handles requests to /api/alerts
// GET: Alert history, newest first. ?active=true narrows to unresolved alerts.
func (s *Server) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if r.URL.Query().Get("active") == "true" {
		alerts, err := s.alerts.Active()
		if err != nil {
			s.logger.Errorw("Failed to list active alerts", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to list alerts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"alerts": alerts,
			"count":  len(alerts),
		})
		return
	}

	limit := parseLimit(r, defaultJobLimit, maxJobLimit)
	alerts, err := s.alerts.List(limit)
	if err != nil {
		s.logger.Errorw("Failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// HandleRecovery handles requests to /api/recovery
// GET: Recovery attempt history, including escalations
func (s *Server) HandleRecovery(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := parseLimit(r, defaultJobLimit, maxJobLimit)
	attempts, err := s.attempts.List(limit)
	if err != nil {
		s.logger.Errorw("Failed to list recovery attempts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list recovery attempts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// HandleOptimizations handles requests to /api/optimizations
// GET: Tuning change history, including reverts
func (s *Server) HandleOptimizations(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := parseLimit(r, defaultJobLimit, maxJobLimit)
	changes, err := s.changes.List(limit)
	if err != nil {
		s.logger.Errorw("Failed to list optimization changes", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list optimization changes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"count":   len(changes),
	})
}

// HandleThresholds handles requests to /api/thresholds
// GET: Current alert thresholds
// PUT: Replace thresholds; applied to the monitor immediately and persisted
// to the config file when one is configured
func (s *Server) HandleThresholds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.monitor.Thresholds())
	case http.MethodPut:
		s.handleUpdateThresholds(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var thresholds map[string]config.Threshold
	if err := readJSON(w, r, &thresholds); err != nil {
		return
	}
	if len(thresholds) == 0 {
		writeError(w, http.StatusBadRequest, "No thresholds provided")
		return
	}
	for metric, t := range thresholds {
		if t.Warning < 0 || t.Critical < t.Warning || t.SustainedSeconds < 0 {
			writeError(w, http.StatusBadRequest, "Invalid threshold for metric: "+metric)
			return
		}
	}

	s.monitor.SetThresholds(thresholds)

	if s.configPath != "" {
		if err := config.SaveThresholds(s.configPath, thresholds); err != nil {
			s.logger.Errorw("Failed to persist thresholds", "error", err)
			writeError(w, http.StatusInternalServerError,
				"Thresholds applied but could not be persisted")
			return
		}
	}

	s.logger.Infow("Thresholds updated", "metrics", len(thresholds))
	writeJSON(w, http.StatusOK, thresholds)
}
