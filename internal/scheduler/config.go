package scheduler

import (
	"time"

	"github.com/smallbiznis/insurecard/internal/config"
)

// Config controls sweeper intervals, batch sizes and age thresholds.
type Config struct {
	RunInterval           time.Duration
	BatchSize             int
	JobTimeout            time.Duration
	CreatedThreshold      time.Duration
	PersistRetryThreshold time.Duration
	// ConfirmationTimeout and MaxAttempts are fallbacks when no tuning
	// holder is wired.
	ConfirmationTimeout time.Duration
	MaxAttempts         int
	PassLockTTL         time.Duration
	// EnabledJobs limits which sweeps run. Empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:           30 * time.Second,
		BatchSize:             50,
		JobTimeout:            5 * time.Minute,
		CreatedThreshold:      time.Minute,
		PersistRetryThreshold: 30 * time.Second,
		ConfirmationTimeout:   2 * time.Minute,
		MaxAttempts:           5,
		PassLockTTL:           2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:           cfg.Sweeper.Interval,
		BatchSize:             cfg.Sweeper.BatchSize,
		JobTimeout:            cfg.Sweeper.JobTimeout,
		CreatedThreshold:      cfg.Sweeper.CreatedThreshold,
		PersistRetryThreshold: cfg.Sweeper.PersistRetryThreshold,
		ConfirmationTimeout:   cfg.Issuance.ConfirmationTimeout,
		MaxAttempts:           cfg.Sweeper.MaxAttempts,
		PassLockTTL:           cfg.RateLimit.SweeperLockTTL,
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
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.CreatedThreshold <= 0 {
		c.CreatedThreshold = defaults.CreatedThreshold
	}
	if c.PersistRetryThreshold <= 0 {
		c.PersistRetryThreshold = defaults.PersistRetryThreshold
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.PassLockTTL <= 0 {
		c.PassLockTTL = defaults.PassLockTTL
	}
	return c
}
