package metrics

import (
	"time"

	"photocache/internal/cache"
	"photocache/internal/filesystem"
	"photocache/internal/transcode"
)

// filesystemObserver implements filesystem.Observer using the Prometheus
// metrics declared in this package.
type filesystemObserver struct{}

// NewFilesystemObserver creates an observer that records filesystem metrics.
func NewFilesystemObserver() filesystem.Observer {
	return &filesystemObserver{}
}

func (o *filesystemObserver) ObserveOperation(volume, operation string, durationSeconds float64, err error) {
	FilesystemOperationDuration.WithLabelValues(volume, operation).Observe(durationSeconds)
	if err != nil {
		FilesystemOperationErrors.WithLabelValues(volume, operation).Inc()
	}
}

func (o *filesystemObserver) ObserveRetryAttempt(retryOp, volume string) {
	FilesystemRetryAttempts.WithLabelValues(retryOp, volume).Inc()
}

func (o *filesystemObserver) ObserveRetrySuccess(retryOp, volume string) {
	FilesystemRetrySuccess.WithLabelValues(retryOp, volume).Inc()
}

func (o *filesystemObserver) ObserveRetryFailure(retryOp, volume string) {
	FilesystemRetryFailures.WithLabelValues(retryOp, volume).Inc()
}

func (o *filesystemObserver) ObserveStaleError(retryOp, volume string) {
	FilesystemStaleErrors.WithLabelValues(retryOp, volume).Inc()
}

// cacheObserver implements cache.Observer.
type cacheObserver struct{}

// NewCacheObserver returns an observer that records batch and item metrics.
func NewCacheObserver() cache.Observer {
	return &cacheObserver{}
}

func (o *cacheObserver) BatchStarted(_, alreadyCached int) {
	CacheBatchesRunning.Inc()
	CacheReferencesTotal.WithLabelValues("already_cached").Add(float64(alreadyCached))
}

func (o *cacheObserver) ItemProcessed(r cache.Result, d time.Duration) {
	CacheItemDuration.Observe(d.Seconds())
	switch {
	case r.Err != nil:
		CacheReferencesTotal.WithLabelValues("error").Inc()
		CacheItemErrors.WithLabelValues(cache.Classify(r.Err)).Inc()
	case r.Fallback:
		CacheReferencesTotal.WithLabelValues("fallback").Inc()
		CacheItemBytes.Observe(float64(r.Size))
	default:
		CacheReferencesTotal.WithLabelValues("optimized").Inc()
		CacheItemBytes.Observe(float64(r.Size))
	}
}

func (o *cacheObserver) BatchFinished(p cache.Progress, d time.Duration) {
	CacheBatchesRunning.Dec()
	CacheBatchesTotal.WithLabelValues(p.Kind.String()).Inc()
	CacheBatchDuration.Observe(d.Seconds())
}

func (o *cacheObserver) Evicted(reason string) {
	CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func (o *cacheObserver) CacheSize(totalBytes int64, files int) {
	CacheSizeBytes.Set(float64(totalBytes))
	CacheFiles.Set(float64(files))
}

// transcodeObserver implements transcode.Observer.
type transcodeObserver struct{}

// NewTranscodeObserver returns an observer that records transcode phase
// timings and source formats.
func NewTranscodeObserver() transcode.Observer {
	return &transcodeObserver{}
}

func (o *transcodeObserver) ObservePhase(phase string, seconds float64) {
	TranscodePhaseDuration.WithLabelValues(phase).Observe(seconds)
}

func (o *transcodeObserver) ObserveFormat(format string) {
	TranscodeSourceFormat.WithLabelValues(format).Inc()
}
