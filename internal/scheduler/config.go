package scheduler

import (
	"time"

	"github.com/smallbiznis/botbilling/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	LeaseEnabled bool
	// LeaseTTL bounds how long one replica holds a job lease.
	LeaseTTL time.Duration
	// EnabledJobs restricts the run to the named jobs. Empty runs everything.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		LeaseTTL:    2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:  cfg.Scheduler.Interval,
		BatchSize:    cfg.Scheduler.BatchSize,
		JobTimeout:   cfg.Scheduler.JobTimeout,
		LeaseEnabled: cfg.Scheduler.LeaseEnabled,
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
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.LeaseTTL < c.JobTimeout {
		c.LeaseTTL = c.JobTimeout
	}
	return c
}
