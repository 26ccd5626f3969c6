package memory

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"photocache/internal/logging"
	"photocache/internal/metrics"
)

var log = logging.For("memory")

// Config holds memory management configuration
type Config struct {
	// LimitBytes is the soft memory limit (0 = use GOMEMLIMIT or no limit)
	LimitBytes int64

	// HighWaterMark is the fraction of the limit below which paused work resumes (0.0-1.0)
	HighWaterMark float64

	// CriticalWaterMark is the fraction at which decode work pauses (0.0-1.0)
	CriticalWaterMark float64

	// CheckInterval is how often to sample the heap
	CheckInterval time.Duration
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		CheckInterval:     2 * time.Second,
	}
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Alloc  int64
	Limit  int64
	Usage  float64
	Paused bool
}

// Monitor samples heap usage and holds transcoding workers back while the
// heap sits above the critical water mark. It satisfies cache.Throttle.
type Monitor struct {
	config Config
	limit  int64

	// readAlloc is swapped out in tests.
	readAlloc func() uint64

	mu       sync.RWMutex
	current  uint64
	paused   bool
	resumeCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewMonitor creates a memory monitor. Without an explicit limit it falls
// back to the runtime's GOMEMLIMIT; with neither, backpressure is disabled.
func NewMonitor(config Config) *Monitor {
	def := DefaultConfig()
	if config.HighWaterMark <= 0 || config.HighWaterMark >= 1 {
		config.HighWaterMark = def.HighWaterMark
	}
	if config.CriticalWaterMark <= config.HighWaterMark || config.CriticalWaterMark > 1 {
		config.CriticalWaterMark = math.Max(def.CriticalWaterMark, config.HighWaterMark)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}

	limit := config.LimitBytes
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < math.MaxInt64 {
			limit = goMemLimit
			log.Info("Using GOMEMLIMIT: %s", formatBytes(limit))
		}
	}
	if limit == 0 {
		log.Warn("No memory limit configured, backpressure disabled")
	}
	metrics.GoMemLimit.Set(float64(limit))

	return &Monitor{
		config:    config,
		limit:     limit,
		readAlloc: heapAlloc,
		resumeCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start begins sampling. It does nothing when no limit is known.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	m.startOnce.Do(func() { go m.loop() })
}

// Stop ends sampling and releases any goroutine blocked in WaitIfPaused.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) check() {
	alloc := m.readAlloc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = alloc
	if m.limit <= 0 {
		return
	}

	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	switch {
	case usage >= m.config.CriticalWaterMark && !m.paused:
		log.Warn("Heap at %.1f%% of limit, pausing transcodes", usage*100)
		m.paused = true
		metrics.MemoryPaused.Set(1)
		metrics.MemoryGCPauses.Inc()
		go runtime.GC()
	case usage < m.config.HighWaterMark && m.paused:
		log.Info("Heap back to %.1f%% of limit, resuming transcodes", usage*100)
		m.paused = false
		metrics.MemoryPaused.Set(0)
		close(m.resumeCh)
		m.resumeCh = make(chan struct{})
	}
}

// WaitIfPaused blocks while the monitor is paused. It returns false if the
// monitor was stopped during the wait.
func (m *Monitor) WaitIfPaused() bool {
	m.mu.RLock()
	if !m.paused {
		m.mu.RUnlock()
		return true
	}
	resume := m.resumeCh
	m.mu.RUnlock()

	log.Debug("Worker waiting for memory to recover")
	select {
	case <-resume:
		return true
	case <-m.stopCh:
		return false
	}
}

// IsPaused reports whether decode work is currently held back.
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Stats returns the last sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Limit: m.limit, Paused: m.paused}
	if m.current > math.MaxInt64 {
		s.Alloc = math.MaxInt64
	} else {
		s.Alloc = int64(m.current)
	}
	if m.limit > 0 {
		s.Usage = float64(m.current) / float64(m.limit)
	}
	return s
}
