package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ConfigPath is the HCL run file. Only Run needs it.
	ConfigPath string
	// JobStore overrides job-store-location for Run, and locates the run
	// for Resume and Status.
	JobStore string
	Resume   bool
	// MaxCores and Workers override the run file when positive.
	MaxCores int
	Workers  int

	LogFormat  string
	LogLevel   string
	StatusPort int
}

// NewConfig validates cfg and returns a copy of it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, errors.New("invalid log-format: must be 'text' or 'json'")
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return nil, fmt.Errorf("invalid status-port %d", cfg.StatusPort)
	}
	if cfg.MaxCores < 0 || cfg.Workers < 0 {
		return nil, errors.New("max-cores and workers cannot be negative")
	}
	return &cfg, nil
}
