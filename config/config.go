// Package config owns the Loom configuration: TOML file plus environment
// overrides, loaded through Viper, with hot reload of monitor thresholds.
package config

import "time"

// Config represents the complete Loom configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Tuning     TuningConfig     `mapstructure:"tuning"`
}

// DatabaseConfig configures the SQLite pipeline-state database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/WebSocket surface
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GraphConfig configures the SurrealDB graph store connection
type GraphConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// ExtractionConfig configures the external entity/relationship extraction
// service
type ExtractionConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"` // Connection-pool gate shared by all workers
	MinConfidence     float64 `mapstructure:"min_confidence"` // Candidates below this are discarded at normalization
}

// PipelineConfig configures the ingestion orchestrator
type PipelineConfig struct {
	Workers              int `mapstructure:"workers"`                // Bounded worker pool size
	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds"`  // Queue poll cadence
	StageTimeoutSeconds  int `mapstructure:"stage_timeout_seconds"`  // Default per-stage timeout
	CommitBatchSize      int `mapstructure:"commit_batch_size"`      // Mutations per staged statement batch
	RetentionDays        int `mapstructure:"retention_days"`         // Terminal jobs older than this are purged
	MaxRecoveredOnStart  int `mapstructure:"max_recovered_on_start"` // Orphaned running jobs re-queued after a crash
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"` // Stop() wait before abandoning workers
}

// RetryConfig configures the retry/circuit-breaker layer per dependency
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	Multiplier        float64 `mapstructure:"multiplier"`
	Jitter            float64 `mapstructure:"jitter"`
	MaxDelaySeconds   int     `mapstructure:"max_delay_seconds"`
	BreakerThreshold  int     `mapstructure:"breaker_threshold"`   // Consecutive transient failures before opening
	BreakerWindowSecs int     `mapstructure:"breaker_window_secs"` // Sliding window for the failure streak
	CoolDownSeconds   int     `mapstructure:"cool_down_seconds"`   // Open duration before half-open trial
}

// MonitorConfig configures health sampling and threshold alerting.
// Thresholds hot-reload when the config file changes.
type MonitorConfig struct {
	SampleIntervalSeconds int                  `mapstructure:"sample_interval_seconds"`
	Thresholds            map[string]Threshold `mapstructure:"thresholds"`
	StuckStageSeconds     map[string]int       `mapstructure:"stuck_stage_seconds"` // Stage name -> residency timeout
}

// Threshold is a warning/critical pair with a minimum sustained duration
// before an alert fires. The duration requirement avoids flapping on blips.
type Threshold struct {
	Warning          float64 `mapstructure:"warning" json:"warning"`
	Critical         float64 `mapstructure:"critical" json:"critical"`
	SustainedSeconds int     `mapstructure:"sustained_seconds" json:"sustained_seconds"`
}

// RecoveryConfig bounds the automated recovery engine
type RecoveryConfig struct {
	MaxAttempts         int `mapstructure:"max_attempts"` // Per job/condition before escalating
	CheckIntervalSecond int `mapstructure:"check_interval_seconds"`
}

// TuningConfig bounds the performance optimization engine
type TuningConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	CycleSeconds       int     `mapstructure:"cycle_seconds"`
	RevertThresholdPct float64 `mapstructure:"revert_threshold_pct"` // Regression beyond this reverts the change
	MinWorkers         int     `mapstructure:"min_workers"`
	MaxWorkers         int     `mapstructure:"max_workers"`
	MinBatchSize       int     `mapstructure:"min_batch_size"`
	MaxBatchSize       int     `mapstructure:"max_batch_size"`
	MinExtractConc     int     `mapstructure:"min_extract_concurrency"`
	MaxExtractConc     int     `mapstructure:"max_extract_concurrency"`
}

// StageTimeout returns the per-stage residency timeout used for stuck-job
// detection, falling back to the pipeline default.
func (c *Config) StageTimeout(stage string) time.Duration {
	if secs, ok := c.Monitor.StuckStageSeconds[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Pipeline.StageTimeoutSeconds) * time.Second
}
