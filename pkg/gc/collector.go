// Package gc provides background collection of orphaned inodes.
//
// An inode becomes an orphan when its last link is removed while open
// handles still reference it. The engine deletes orphans when the last
// handle closes; this collector covers the cases where that never
// happens:
//   - the process died with handles open
//   - the deletion at last close failed, leaving the orphan inode behind
//
// Only inodes carrying the orphan flag are collected. A blob whose
// unlink failed after its inode was already deleted is not collected.
//
// The engine runs one collection at mount. The collector adds an
// optional periodic sweep for long-lived mounts.
package gc

import (
	"time"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/fs"
)

// Config configures the collector.
type Config struct {
	// Enabled controls whether the periodic sweep runs. When false,
	// Start launches nothing.
	Enabled bool

	// Interval is the time between sweeps (default: 1h).
	Interval time.Duration
}

// Collector periodically collects orphaned inodes of one engine.
//
// Safe for concurrent use. Start and Stop may each be called once.
type Collector struct {
	engine *fs.Bijou
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a collector for engine. Call Start to begin the
// periodic sweep.
func NewCollector(engine *fs.Bijou, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	return &Collector{
		engine: engine,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("orphan collection disabled")
		close(c.doneCh)
		return
	}
	logger.Info("starting orphan collector: interval=%s", c.config.Interval)
	go c.worker()
}

// Stop signals the sweep goroutine and waits for it to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep runs one collection pass.
func (c *Collector) sweep() {
	start := time.Now()
	collected, err := c.engine.CollectOrphans()
	if err != nil {
		logger.Error("orphan sweep failed: %v", err)
		return
	}
	if collected > 0 {
		logger.Info("orphan sweep collected %d inodes in %s", collected, time.Since(start))
	} else {
		logger.Debug("orphan sweep: nothing to collect (%s)", time.Since(start))
	}
}
