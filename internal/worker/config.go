package worker

import (
	"time"

	"github.com/smallbiznis/entitle/internal/config"
)

// Config controls the queue consumer pool.
type Config struct {
	Enabled           bool
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	JobTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Concurrency:       4,
		BatchSize:         10,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		JobTimeout:        10 * time.Second,
	}
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Enabled:           cfg.Worker.Enabled,
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Worker.BatchSize,
		PollInterval:      cfg.Worker.PollInterval,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		JobTimeout:        cfg.Worker.JobTimeout,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
