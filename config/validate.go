package config

import "github.com/graphloom/loom/errors"

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	if c.Pipeline.Workers < 1 {
		return errors.Newf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.CommitBatchSize < 1 {
		return errors.Newf("pipeline.commit_batch_size must be >= 1, got %d", c.Pipeline.CommitBatchSize)
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1.0 {
		return errors.Newf("retry.multiplier must be >= 1.0, got %f", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.Newf("retry.jitter must be in [0, 1], got %f", c.Retry.Jitter)
	}
	if c.Retry.BreakerThreshold < 1 {
		return errors.Newf("retry.breaker_threshold must be >= 1, got %d", c.Retry.BreakerThreshold)
	}

	if c.Extraction.BaseURL == "" {
		return errors.New("extraction.base_url cannot be empty")
	}
	if c.Extraction.MaxConcurrent < 1 {
		return errors.Newf("extraction.max_concurrent must be >= 1, got %d", c.Extraction.MaxConcurrent)
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return errors.Newf("extraction.min_confidence must be in [0, 1], got %f", c.Extraction.MinConfidence)
	}

	if c.Graph.URL == "" {
		return errors.New("graph.url cannot be empty")
	}

	for name, th := range c.Monitor.Thresholds {
		if th.Critical < th.Warning {
			return errors.Newf("monitor.thresholds.%s: critical (%f) below warning (%f)", name, th.Critical, th.Warning)
		}
		if th.SustainedSeconds < 0 {
			return errors.Newf("monitor.thresholds.%s: sustained_seconds must be >= 0", name)
		}
	}

	if c.Recovery.MaxAttempts < 1 {
		return errors.Newf("recovery.max_attempts must be >= 1, got %d", c.Recovery.MaxAttempts)
	}

	if c.Tuning.Enabled {
		if c.Tuning.MinWorkers < 1 || c.Tuning.MaxWorkers < c.Tuning.MinWorkers {
			return errors.Newf("tuning worker bounds invalid: [%d, %d]", c.Tuning.MinWorkers, c.Tuning.MaxWorkers)
		}
		if c.Tuning.MinBatchSize < 1 || c.Tuning.MaxBatchSize < c.Tuning.MinBatchSize {
			return errors.Newf("tuning batch bounds invalid: [%d, %d]", c.Tuning.MinBatchSize, c.Tuning.MaxBatchSize)
		}
		if c.Tuning.RevertThresholdPct <= 0 {
			return errors.Newf("tuning.revert_threshold_pct must be > 0, got %f", c.Tuning.RevertThresholdPct)
		}
	}

	return nil
}
