package server

import (
	"net/http"
	"strings"
)

// setupRoutes registers all HTTP and WebSocket routes on the mux
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob)) // Individual jobs + /progress
	mux.HandleFunc("/api/deadletters", s.corsMiddleware(s.HandleDeadLetters))
	mux.HandleFunc("/api/deadletters/", s.corsMiddleware(s.HandleDeadLetter)) // Individual + /reprocess
	mux.HandleFunc("/api/alerts", s.corsMiddleware(s.HandleAlerts))
	mux.HandleFunc("/api/recovery", s.corsMiddleware(s.HandleRecovery))
	mux.HandleFunc("/api/optimizations", s.corsMiddleware(s.HandleOptimizations))
	mux.HandleFunc("/api/thresholds", s.corsMiddleware(s.HandleThresholds))
	mux.HandleFunc("/api/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/ws/jobs/", s.corsMiddleware(s.HandleJobSocket)) // Live progress stream
}

// corsMiddleware adds CORS headers to HTTP responses using configured
// allowed origins. The same origin validation gates WebSocket upgrades.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// checkOrigin validates the request origin against the configured allowed
// origins. Prefix matching allows any port number.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (direct clients, testing)
	if origin == "" {
		return true
	}

	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	for _, allowedOrigin := range allowed {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}
