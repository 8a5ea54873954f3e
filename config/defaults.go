package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "loom.db")

	// Server defaults
	v.SetDefault("server.port", 8710)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	// Graph store defaults
	v.SetDefault("graph.url", "ws://localhost:8000")
	v.SetDefault("graph.namespace", "loom")
	v.SetDefault("graph.database", "knowledge")
	v.SetDefault("graph.username", "root")

	// Extraction service defaults
	v.SetDefault("extraction.base_url", "http://localhost:9400")
	v.SetDefault("extraction.timeout_seconds", 120)
	v.SetDefault("extraction.requests_per_minute", 30)
	v.SetDefault("extraction.max_concurrent", 4)
	v.SetDefault("extraction.min_confidence", 0.5)

	// Pipeline defaults
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.poll_interval_seconds", 1)
	v.SetDefault("pipeline.stage_timeout_seconds", 300)
	v.SetDefault("pipeline.commit_batch_size", 50)
	v.SetDefault("pipeline.retention_days", 14)
	v.SetDefault("pipeline.max_recovered_on_start", 1000)
	v.SetDefault("pipeline.shutdown_grace_seconds", 30)

	// Retry/breaker defaults: 1s -> 2s -> 4s ... capped at 30s, 5 attempts
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_delay_seconds", 30)
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_window_secs", 60)
	v.SetDefault("retry.cool_down_seconds", 30)

	// Monitor defaults
	v.SetDefault("monitor.sample_interval_seconds", 10)
	v.SetDefault("monitor.thresholds.failure_rate.warning", 0.1)
	v.SetDefault("monitor.thresholds.failure_rate.critical", 0.3)
	v.SetDefault("monitor.thresholds.failure_rate.sustained_seconds", 60)
	v.SetDefault("monitor.thresholds.queue_depth.warning", 100)
	v.SetDefault("monitor.thresholds.queue_depth.critical", 500)
	v.SetDefault("monitor.thresholds.queue_depth.sustained_seconds", 120)
	v.SetDefault("monitor.thresholds.stage_latency_p95_seconds.warning", 120)
	v.SetDefault("monitor.thresholds.stage_latency_p95_seconds.critical", 300)
	v.SetDefault("monitor.thresholds.stage_latency_p95_seconds.sustained_seconds", 120)
	v.SetDefault("monitor.thresholds.memory_percent.warning", 80)
	v.SetDefault("monitor.thresholds.memory_percent.critical", 95)
	v.SetDefault("monitor.thresholds.memory_percent.sustained_seconds", 60)
	v.SetDefault("monitor.stuck_stage_seconds.extracting", 600)
	v.SetDefault("monitor.stuck_stage_seconds.normalizing", 120)
	v.SetDefault("monitor.stuck_stage_seconds.committing", 300)

	// Recovery defaults
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.check_interval_seconds", 30)

	// Tuning defaults
	v.SetDefault("tuning.enabled", true)
	v.SetDefault("tuning.cycle_seconds", 300)
	v.SetDefault("tuning.revert_threshold_pct", 15.0)
	v.SetDefault("tuning.min_workers", 1)
	v.SetDefault("tuning.max_workers", 16)
	v.SetDefault("tuning.min_batch_size", 10)
	v.SetDefault("tuning.max_batch_size", 500)
	v.SetDefault("tuning.min_extract_concurrency", 1)
	v.SetDefault("tuning.max_extract_concurrency", 8)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to
// environment variables so credentials never live in the config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("graph.username", "LOOM_GRAPH_USERNAME")
	v.BindEnv("graph.password", "LOOM_GRAPH_PASSWORD")
}
