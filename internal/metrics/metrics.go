package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_progress_subscribers",
			Help: "Number of connected progress websocket clients",
		},
	)
)

// Batch history database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photocache_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)
)

// Cache metrics
var (
	CacheBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_batches_total",
			Help: "Total number of finished batches by terminal state",
		},
		[]string{"state"}, // "complete", "failed"
	)

	CacheBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photocache_batch_duration_seconds",
			Help:    "Wall time of a batch from submit to terminal event",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	CacheBatchesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_batches_running",
			Help: "Number of batches currently running",
		},
	)

	CacheReferencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_references_total",
			Help: "References seen by batches, by outcome",
		},
		[]string{"outcome"}, // "already_cached", "optimized", "fallback", "error"
	)

	CacheItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_item_errors_total",
			Help: "Per-item failures by error class",
		},
		[]string{"class"},
	)

	CacheItemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photocache_item_duration_seconds",
			Help:    "Time to fetch, transcode and store one reference",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	CacheItemBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photocache_item_bytes",
			Help:    "Size of stored cache files",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10),
		},
	)

	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_evictions_total",
			Help: "Ledger entries evicted, by reason",
		},
		[]string{"reason"}, // "missing", "empty", "explicit", "external"
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_size_bytes",
			Help: "Total size of cached files in bytes",
		},
	)

	CacheFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_files",
			Help: "Number of cached files",
		},
	)

	CacheLedgerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_ledger_entries",
			Help: "Number of entries in the mapping ledger",
		},
	)
)

// Transcode metrics
var (
	TranscodePhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_transcode_phase_duration_seconds",
			Help:    "Duration of each transcode phase",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"phase"}, // "probe", "decode", "resize", "encode", "write", "fallback"
	)

	TranscodeSourceFormat = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_transcode_source_format_total",
			Help: "Source images by detected format",
		},
		[]string{"format"},
	)
)

// Filesystem metrics
var (
	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photocache_filesystem_operation_duration_seconds",
			Help:    "Duration of filesystem operations by volume and operation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"volume", "operation"},
	)

	FilesystemOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_filesystem_operation_errors_total",
			Help: "Failed filesystem operations by volume and operation",
		},
		[]string{"volume", "operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_filesystem_retry_attempts_total",
			Help: "Retries after stale NFS file handles",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_filesystem_retry_success_total",
			Help: "Operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_filesystem_retry_failures_total",
			Help: "Operations that failed after exhausting retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_filesystem_stale_errors_total",
			Help: "ESTALE errors seen",
		},
		[]string{"operation", "volume"},
	)
)

// Watcher metrics
var (
	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photocache_watcher_events_total",
			Help: "Filesystem watcher events on the cache directory",
		},
		[]string{"event_type"},
	)

	WatcherErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photocache_watcher_errors_total",
			Help: "Filesystem watcher errors",
		},
	)
)

// Memory metrics
var (
	GoMemLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_go_memlimit_bytes",
			Help: "Configured GOMEMLIMIT in bytes (0 if unset)",
		},
	)

	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_memory_usage_ratio",
			Help: "Heap allocation as a ratio of the memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photocache_memory_paused",
			Help: "Whether transcoding is paused for memory (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photocache_memory_gc_pauses_total",
			Help: "Times processing was paused for memory pressure",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photocache_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
