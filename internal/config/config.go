package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full taskpilot configuration
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Provider ProviderConfig `mapstructure:"provider"`
	Exporter ExporterConfig `mapstructure:"exporter"`
	Task     TaskConfig     `mapstructure:"task"`
}

// RuntimeConfig contains autopilot runtime settings
type RuntimeConfig struct {
	// BaseDir is the root of the per-task artifact layout.
	BaseDir    string `mapstructure:"base_dir"`
	Strictness string `mapstructure:"strictness"`
}

// ProviderConfig identifies the completion provider behind the council
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Model   string `mapstructure:"model"`
	Timeout string `mapstructure:"timeout"`
}

// ExporterConfig contains the trace exporter settings
type ExporterConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// TaskConfig contains per-task settings
type TaskConfig struct {
	Mode     string `mapstructure:"mode"`
	Strategy string `mapstructure:"strategy"`
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Runtime.BaseDir == "" {
		cfg.Runtime.BaseDir = ".taskpilot"
	}

	if cfg.Runtime.Strictness == "" {
		cfg.Runtime.Strictness = "standard"
	}

	if cfg.Provider.Timeout == "" {
		cfg.Provider.Timeout = "90s"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validStrictness := map[string]bool{"lenient": true, "standard": true, "strict": true}
	if !validStrictness[c.Runtime.Strictness] {
		return fmt.Errorf("invalid strictness: %s (must be lenient, standard, or strict)", c.Runtime.Strictness)
	}

	if c.Task.Strategy != "" {
		validStrategies := map[string]bool{"quick": true, "standard": true, "full": true}
		if !validStrategies[c.Task.Strategy] {
			return fmt.Errorf("invalid strategy: %s (must be quick, standard, or full)", c.Task.Strategy)
		}
	}

	if c.Provider.Timeout != "" {
		if _, err := time.ParseDuration(c.Provider.Timeout); err != nil {
			return fmt.Errorf("invalid provider timeout: %w", err)
		}
	}

	if c.Exporter.Enabled {
		if c.Exporter.Endpoint == "" {
			return fmt.Errorf("exporter endpoint is required when the exporter is enabled")
		}
		if c.Exporter.PublicKey == "" || c.Exporter.SecretKey == "" {
			return fmt.Errorf("exporter keys are required when the exporter is enabled")
		}
	}

	return nil
}

// ProviderTimeout returns the parsed provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Provider.Timeout)
	if err != nil {
		return 0
	}
	return d
}
