package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/guard"
)

// Load reads configuration from loom.toml (searched in the working directory
// and ~/.loom), environment variables, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	v.SetConfigName("loom")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.loom")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RetryPolicy converts the retry section into a guard.RetryPolicy.
func (c *Config) RetryPolicy() guard.RetryPolicy {
	return guard.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
		MaxDelay:    time.Duration(c.Retry.MaxDelaySeconds) * time.Second,
	}
}

// BreakerConfig converts the retry section into a guard.BreakerConfig.
func (c *Config) BreakerConfig() guard.BreakerConfig {
	return guard.BreakerConfig{
		FailureThreshold: c.Retry.BreakerThreshold,
		Window:           time.Duration(c.Retry.BreakerWindowSecs) * time.Second,
		CoolDown:         time.Duration(c.Retry.CoolDownSeconds) * time.Second,
	}
}
