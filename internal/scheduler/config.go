// Package scheduler runs the periodic auto-unlock sweep.
package scheduler

import (
	"fmt"
	"time"
)

// Config defines the sweep cadence.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"sweep_interval"`
	// LockTimeout is the lock age after which a task is released.
	LockTimeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Minute,
		LockTimeout: 2 * time.Hour,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Interval)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %s", c.LockTimeout)
	}
	return nil
}
