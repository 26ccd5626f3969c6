package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues(file)
	}

	// --- Filesystem operation metrics (per volume × operation) ---
	volumes := []string{"source", "cache", "database", "unknown"}
	fsOps := []string{"read", "write", "stat", "readdir"}

	for _, vol := range volumes {
		for _, op := range fsOps {
			FilesystemOperationDuration.WithLabelValues(vol, op)
			FilesystemOperationErrors.WithLabelValues(vol, op)
		}
	}

	retryOps := []string{"stat", "open", "readdir", "write"}
	for _, op := range retryOps {
		for _, vol := range volumes {
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
		}
	}

	// --- Cache batches and items ---
	for _, state := range []string{"complete", "failed"} {
		CacheBatchesTotal.WithLabelValues(state)
	}
	for _, outcome := range []string{"already_cached", "optimized", "fallback", "error"} {
		CacheReferencesTotal.WithLabelValues(outcome)
	}
	for _, class := range []string{"fetch", "decode", "encode", "io", "ledger", "batch", "other"} {
		CacheItemErrors.WithLabelValues(class)
	}
	for _, reason := range []string{"missing", "empty", "explicit", "external"} {
		CacheEvictionsTotal.WithLabelValues(reason)
	}

	// --- Transcode ---
	for _, phase := range []string{"probe", "decode", "resize", "encode", "write", "fallback"} {
		TranscodePhaseDuration.WithLabelValues(phase)
	}
	for _, format := range []string{"jpeg", "png", "gif", "webp", "bmp", "tiff", "unknown"} {
		TranscodeSourceFormat.WithLabelValues(format)
	}

	for _, op := range []string{"initialize_schema", "record_batch", "recent_batches", "get_batch", "prune_batches"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}

	for _, ev := range []string{"create", "write", "remove", "rename", "chmod"} {
		WatcherEventsTotal.WithLabelValues(ev)
	}
}
