package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphloom/loom/config"
	"github.com/graphloom/loom/db"
	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/extract"
	"github.com/graphloom/loom/graphstore"
	"github.com/graphloom/loom/guard"
	"github.com/graphloom/loom/ingest"
	"github.com/graphloom/loom/logger"
	"github.com/graphloom/loom/monitor"
	"github.com/graphloom/loom/progress"
	"github.com/graphloom/loom/remedy"
	"github.com/graphloom/loom/server"
	"github.com/graphloom/loom/tune"
)

// ServeCmd starts the full ingestion service: worker pool, health monitor,
// recovery and tuning engines, and the HTTP/WebSocket API.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion server",
	Long: `Start the Loom ingestion server.

Runs the document ingestion pipeline (worker pool, retry and circuit
breaker layer, dead letter store), the health monitor, the automated
recovery engine, the optimization engine, and the HTTP/WebSocket API.

The server runs until interrupted. Monitor thresholds hot-reload when
the config file changes.

Examples:
  loom serve                        # Defaults plus ./loom.toml if present
  loom serve --config /etc/loom.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func runServe(configPath string) error {
	log := logger.Named("loom")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbConn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := db.Migrate(dbConn, log); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	graph, err := graphstore.Connect(ctx, graphstore.Config{
		URL:       cfg.Graph.URL,
		Namespace: cfg.Graph.Namespace,
		Database:  cfg.Graph.Database,
		Username:  cfg.Graph.Username,
		Password:  cfg.Graph.Password,
	}, log)
	if err != nil {
		return errors.Wrap(err, "failed to connect to graph store")
	}
	defer graph.Close(context.Background())

	extractor := extract.NewClient(extract.Config{
		BaseURL:           cfg.Extraction.BaseURL,
		Timeout:           time.Duration(cfg.Extraction.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.Extraction.RequestsPerMinute,
		MaxConcurrent:     cfg.Extraction.MaxConcurrent,
		MinConfidence:     cfg.Extraction.MinConfidence,
	}, log)

	broadcaster := progress.NewBroadcaster(log)

	pipeline := ingest.NewPipeline(ctx, dbConn, extractor, graph, broadcaster, nil,
		ingest.Config{
			Workers:             cfg.Pipeline.Workers,
			PollInterval:        time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second,
			StageTimeout:        cfg.StageTimeout,
			MaxCommitBatch:      cfg.Pipeline.CommitBatchSize,
			Retention:           time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour,
			MaxRecoveredOnStart: cfg.Pipeline.MaxRecoveredOnStart,
			ShutdownGrace:       time.Duration(cfg.Pipeline.ShutdownGraceSeconds) * time.Second,
			RetryPolicy:         cfg.RetryPolicy(),
			BreakerConfig:       cfg.BreakerConfig(),
		}, log)

	breakers := []*guard.Breaker{pipeline.ExtractBreaker(), pipeline.GraphBreaker()}
	alerts := monitor.NewAlertStore(dbConn)
	mon := monitor.New(ctx, alerts, pipeline.Queue().Store(), breakers, cfg.Monitor, log)
	pipeline.SetMetrics(mon)

	attempts := remedy.NewAttemptStore(dbConn)
	recovery := remedy.New(ctx, attempts, pipeline, alerts,
		pipeline.Queue().Store(), breakers, cfg.Recovery.MaxAttempts,
		time.Duration(cfg.Recovery.CheckIntervalSecond)*time.Second, log)

	changes := tune.NewChangeStore(dbConn)
	tuner := tune.New(ctx, changes, &tuneTargets{pipeline: pipeline, extractor: extractor},
		mon, tuneConfig(cfg), log)

	pipeline.Start()
	mon.Start()
	recovery.Start()
	tuner.Start()

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				mon.SetThresholds(next.Monitor.Thresholds)
				mon.SetStuckStages(next.Monitor.StuckStageSeconds)
				return nil
			})
			watcher.Start()
		}
	}

	srv := server.New(pipeline, broadcaster, mon, alerts, attempts, changes,
		cfg, configPath, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server shutdown incomplete", "error", err)
	}

	if watcher != nil {
		watcher.Stop()
	}
	tuner.Stop()
	recovery.Stop()
	mon.Stop()
	pipeline.Stop()

	log.Infow("Shutdown complete")
	return nil
}

// loadConfig resolves configuration from an explicit path or the default
// search locations.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// tuneTargets adapts the pipeline and extraction client to the tuning
// engine's parameter surface.
type tuneTargets struct {
	pipeline  *ingest.Pipeline
	extractor *extract.Client
}

func (t *tuneTargets) Get(p tune.Parameter) int {
	switch p {
	case tune.ParamWorkers:
		return t.pipeline.Workers()
	case tune.ParamExtractConcurrency:
		return t.extractor.MaxConcurrent()
	case tune.ParamCommitBatch:
		return t.pipeline.MaxCommitBatch()
	}
	return 0
}

func (t *tuneTargets) Set(p tune.Parameter, v int) {
	switch p {
	case tune.ParamWorkers:
		t.pipeline.SetWorkers(v)
	case tune.ParamExtractConcurrency:
		t.extractor.SetMaxConcurrent(v)
	case tune.ParamCommitBatch:
		t.pipeline.SetMaxCommitBatch(v)
	}
}

func tuneConfig(cfg *config.Config) tune.Config {
	return tune.Config{
		Enabled:            cfg.Tuning.Enabled,
		Cycle:              time.Duration(cfg.Tuning.CycleSeconds) * time.Second,
		RevertThresholdPct: cfg.Tuning.RevertThresholdPct,
		Bounds: map[tune.Parameter]tune.Bounds{
			tune.ParamWorkers:            {Min: cfg.Tuning.MinWorkers, Max: cfg.Tuning.MaxWorkers},
			tune.ParamExtractConcurrency: {Min: cfg.Tuning.MinExtractConc, Max: cfg.Tuning.MaxExtractConc},
			tune.ParamCommitBatch:        {Min: cfg.Tuning.MinBatchSize, Max: cfg.Tuning.MaxBatchSize},
		},
	}
}
