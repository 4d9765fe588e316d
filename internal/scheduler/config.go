package scheduler

import (
	"time"

	"github.com/smallbiznis/fiscal/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	// ArtifactGrace keeps the backfill away from documents an issuance may still be polling for.
	ArtifactGrace time.Duration
	JobTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RunInterval:   time.Minute,
		BatchSize:     25,
		ArtifactGrace: 5 * time.Minute,
		JobTimeout:    30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:       cfg.Scheduler.Enabled,
		RunInterval:   time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		BatchSize:     cfg.Scheduler.BatchSize,
		ArtifactGrace: time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ArtifactGrace <= 0 {
		c.ArtifactGrace = defaults.ArtifactGrace
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
