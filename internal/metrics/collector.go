package metrics

import (
	"sync"
	"time"

	"photocache/internal/logging"
)

var log = logging.For("metrics")

// StatsProvider interface for collecting stats
type StatsProvider interface {
	GetStats() Stats
}

// StatsFunc adapts a plain function to StatsProvider.
type StatsFunc func() Stats

// GetStats calls f.
func (f StatsFunc) GetStats() Stats { return f() }

// Stats holds the current statistics
type Stats struct {
	TotalBytes    int64
	Files         int
	LedgerEntries int
}

// DBMetricsUpdater refreshes database size gauges. The batch history
// database implements it.
type DBMetricsUpdater interface {
	UpdateDBMetrics()
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	db            DBMetricsUpdater
	interval      time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewCollector creates a new metrics collector. db may be nil.
func NewCollector(provider StatsProvider, db DBMetricsUpdater, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		statsProvider: provider,
		db:            db,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.collectLoop()
}

// Stop stops the metrics collection and waits for the loop to exit.
// It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

func (c *Collector) collectLoop() {
	defer c.wg.Done()

	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.db != nil {
		c.db.UpdateDBMetrics()
	}
	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	CacheSizeBytes.Set(float64(stats.TotalBytes))
	CacheFiles.Set(float64(stats.Files))
	CacheLedgerEntries.Set(float64(stats.LedgerEntries))

	log.Debug("Metrics collected: bytes=%d, files=%d, ledger=%d",
		stats.TotalBytes, stats.Files, stats.LedgerEntries)
}
