package scheduler

import (
	"time"

	"github.com/smallbiznis/vida/internal/config"
)

const (
	JobStatusRefresh = "status_refresh"
	JobDLQRetry      = "dlq_retry"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	StaleAfter    time.Duration
	DLQAutoRetry  bool
	DLQRetryLimit int
	EnabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		BatchSize:     50,
		StaleAfter:    5 * time.Minute,
		DLQRetryLimit: 10,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   time.Duration(cfg.Scheduler.IntervalSecs) * time.Second,
		BatchSize:     cfg.Scheduler.BatchSize,
		StaleAfter:    time.Duration(cfg.Scheduler.StaleAfterSecs) * time.Second,
		DLQAutoRetry:  cfg.Scheduler.DLQAutoRetry,
		DLQRetryLimit: cfg.Scheduler.DLQRetryLimit,
		EnabledJobs:   cfg.Scheduler.Jobs,
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
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.DLQRetryLimit <= 0 {
		c.DLQRetryLimit = defaults.DLQRetryLimit
	}
	return c
}
