package ttl

import (
	"context"
	"time"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
)

// Sweeper is the minimal contract required by the cleaner.
type Sweeper interface {
	ClearExpired() int
}

// Cleaner sweeps expired cache entries once when started and then on
// every tick.
type Cleaner struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *logs.Logger
	metrics  *metrics.Registry
}

// NewCleaner creates a new instance of TTL Cleaner
func NewCleaner(
	sweeper Sweeper,
	interval time.Duration,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Cleaner {
	return &Cleaner{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		metrics:  reg,
	}
}

// Start runs the cleanup loop until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
// A non-positive interval only performs the initial sweep.
func (c *Cleaner) Start(ctx context.Context) {
	c.RunOnce()

	if c.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunOnce()
		case <-ctx.Done():
			c.logger.Debug("ttl cleaner stopped")
			return
		}
	}
}

// RunOnce performs a single cleanup cycle and returns the number of
// entries removed.
func (c *Cleaner) RunOnce() int {
	c.metrics.Inc(metrics.TTLCleanupRunsTotal)

	removed := c.sweeper.ClearExpired()
	if removed > 0 {
		c.metrics.Add(metrics.TTLKeysRemovedTotal, int64(removed))
		c.logger.Info("ttl cleaner removed expired keys", "removed", removed)
	}
	return removed
}
