// Package metrics provides Prometheus instrumentation for photocache.
//
// All collectors are registered with the default registry through promauto
// and prefixed with "photocache_". Mount promhttp.Handler() to expose them:
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// # Metric Categories
//
// ## HTTP
//   - HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight
//   - ProgressSubscribers: connected progress websocket clients
//
// ## Batch history database
//   - DBQueryTotal, DBQueryDuration, DBSizeBytes
//
// ## Cache
//   - CacheBatchesTotal by terminal state, CacheBatchDuration, CacheBatchesRunning
//   - CacheReferencesTotal by outcome (already_cached, optimized, fallback, error)
//   - CacheItemErrors by error class, CacheItemDuration, CacheItemBytes
//   - CacheEvictionsTotal by reason (missing, empty, explicit, external)
//   - CacheSizeBytes, CacheFiles, CacheLedgerEntries
//
// ## Transcode
//   - TranscodePhaseDuration by phase, TranscodeSourceFormat
//
// ## Filesystem, watcher and memory
//   - Filesystem operation and NFS retry counters
//   - WatcherEventsTotal, WatcherErrors
//   - GoMemLimit, MemoryUsageRatio, MemoryPaused, MemoryGCPauses
//
// # Observers
//
// Lower layers do not import this package. They accept small observer
// interfaces instead, and this package supplies the Prometheus-backed
// implementations: [NewFilesystemObserver], [NewCacheObserver] and
// [NewTranscodeObserver].
//
// # Collector
//
// [Collector] polls a [StatsProvider] and an optional [DBMetricsUpdater]
// on an interval:
//
//	collector := metrics.NewCollector(stats, db, time.Minute)
//	collector.Start()
//	defer collector.Stop()
//
// # Prometheus Queries
//
// Batch failure rate:
//
//	rate(photocache_batches_total{state="failed"}[1h]) / rate(photocache_batches_total[1h])
//
// Share of photos stored as raw copies:
//
//	rate(photocache_references_total{outcome="fallback"}[1h]) /
//	rate(photocache_references_total{outcome=~"optimized|fallback"}[1h])
//
// P95 decode time:
//
//	histogram_quantile(0.95, sum(rate(photocache_transcode_phase_duration_seconds_bucket{phase="decode"}[5m])) by (le))
package metrics
