// pkg/spool/config.go

package spool

import "math"

// Config tunes how the worker arbitrates between loads and unloads.
type Config struct {
	// DefaultUnloadPriority is the most permissive threshold: a load whose
	// priority is not above it is served before any unload.
	DefaultUnloadPriority int
	// LoadsPerUnload is added to the threshold after every served unload.
	LoadsPerUnload int
	// UnloadBacklog is the number of queued unloads that forces the urgent threshold.
	UnloadBacklog int
	// UrgentUnloadPriority is the threshold while the backlog is over UnloadBacklog.
	UrgentUnloadPriority int
	// AgingStep makes a waiting load gain one priority level every AgingStep
	// enqueued loads. 0 disables aging.
	AgingStep int
}

func DefaultConfig() *Config {
	return &Config{
		DefaultUnloadPriority: 8,
		LoadsPerUnload:        4,
		UnloadBacklog:         256,
		UrgentUnloadPriority:  math.MinInt32,
		AgingStep:             64,
	}
}

func (c *Config) check() {
	if c.LoadsPerUnload <= 0 {
		logger.Warnf("loads per unload should be positive, use 1 instead of %d", c.LoadsPerUnload)
		c.LoadsPerUnload = 1
	}
	if c.UnloadBacklog <= 0 {
		logger.Warnf("unload backlog should be positive, use 1 instead of %d", c.UnloadBacklog)
		c.UnloadBacklog = 1
	}
	if c.UrgentUnloadPriority > c.DefaultUnloadPriority {
		c.UrgentUnloadPriority = c.DefaultUnloadPriority
	}
	if c.AgingStep < 0 {
		c.AgingStep = 0
	}
}
