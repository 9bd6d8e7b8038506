package scheduler

import (
	"time"

	"github.com/smallbiznis/entitle/internal/config"
)

// Config controls sweep intervals.
type Config struct {
	ResetInterval    time.Duration
	SyncInterval     time.Duration
	RecoveryInterval time.Duration
	RecoveryAge      time.Duration
	LockTTL          time.Duration
	JobTimeout       time.Duration
	// EnabledJobs limits the scheduler to the named jobs. Empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		ResetInterval:    time.Minute,
		SyncInterval:     15 * time.Second,
		RecoveryInterval: time.Minute,
		RecoveryAge:      2 * time.Minute,
		LockTTL:          2 * time.Minute,
		JobTimeout:       30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		ResetInterval:    cfg.Scheduler.ResetInterval,
		SyncInterval:     cfg.Scheduler.SyncInterval,
		RecoveryInterval: cfg.Scheduler.RecoveryInterval,
		RecoveryAge:      cfg.Scheduler.RecoveryAge,
		LockTTL:          cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ResetInterval <= 0 {
		c.ResetInterval = defaults.ResetInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaults.RecoveryInterval
	}
	if c.RecoveryAge <= 0 {
		c.RecoveryAge = defaults.RecoveryAge
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
