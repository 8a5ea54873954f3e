// Package server exposes the ingestion pipeline over HTTP and WebSocket:
// job submission and inspection, dead-letter reprocessing, health reports,
// recovery and optimization history, and live progress streaming.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/graphloom/loom/config"
	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/ingest"
	"github.com/graphloom/loom/monitor"
	"github.com/graphloom/loom/progress"
	"github.com/graphloom/loom/remedy"
	"github.com/graphloom/loom/tune"
)

// Server is the HTTP/WebSocket surface over the running pipeline
type Server struct {
	pipeline    *ingest.Pipeline
	broadcaster *progress.Broadcaster
	monitor     *monitor.Monitor
	alerts      *monitor.AlertStore
	attempts    *remedy.AttemptStore
	changes     *tune.ChangeStore
	cfg         *config.Config
	configPath  string // Empty disables threshold persistence

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.RWMutex
	clients map[*wsClient]bool

	logger *zap.SugaredLogger
}

// New creates a server over an already-constructed pipeline and its stores.
// configPath is where threshold updates are persisted; pass "" to keep
// threshold changes in-memory only.
func New(pipeline *ingest.Pipeline, broadcaster *progress.Broadcaster,
	mon *monitor.Monitor, alerts *monitor.AlertStore,
	attempts *remedy.AttemptStore, changes *tune.ChangeStore,
	cfg *config.Config, configPath string, logger *zap.SugaredLogger) *Server {

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		pipeline:    pipeline,
		broadcaster: broadcaster,
		monitor:     mon,
		alerts:      alerts,
		attempts:    attempts,
		changes:     changes,
		cfg:         cfg,
		configPath:  configPath,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[*wsClient]bool),
		logger:      logger.Named("server"),
	}
}

// Start listens on the configured port and blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests, closes WebSocket clients, and stops
// the listener. Safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	// Close connections first so read pumps unblock before the wait below
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warnw("Timed out waiting for WebSocket clients to close")
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
