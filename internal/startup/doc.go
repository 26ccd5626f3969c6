// Package startup handles configuration loading and the startup and
// shutdown log blocks of the photocache daemon.
//
// # Configuration
//
// [LoadConfig] reads environment variables, logs them in a CONFIGURATION
// block, resolves directories to absolute paths and checks they are
// writable:
//
//   - CACHE_DIR: blob store directory (default: /cache)
//   - DATABASE_DIR: batch history database directory (default: /database)
//   - PORT: HTTP API port (default: 8080)
//   - METRICS_PORT, METRICS_ENABLED: Prometheus endpoint (default: 9090, true)
//   - WORKER_POOL_SIZE: transcode workers (default: 4, CACHE_WORKERS also honored)
//   - QUALITY_RESIZE_FACTOR: display bound multiplier (default: 1.15)
//   - JPEG_QUALITY: output quality 1-100 (default: 92)
//   - PROGRESS_EMIT_EVERY: InProgress cadence (default: 5)
//   - DISPLAY_WIDTH, DISPLAY_HEIGHT: target display (default: 1920x1080)
//   - FETCH_TIMEOUT: per-reference fetch timeout (default: 30s)
//   - FETCH_CONCURRENCY: concurrent fetches (default: scaled from CPUs, max 16)
//   - FETCH_RATE_LIMIT: HTTP requests per second, 0 disables (default: 0)
//   - WATCH_CACHE_DIR: evict entries for externally deleted files (default: true)
//   - VIPS_ENABLED: use libvips shrink-on-load for JPEG (default: true)
//   - LOG_LEVEL, DEBUG: log verbosity
//   - MEMORY_LIMIT, MEMORY_RATIO, GOMEMLIMIT: see package memory
//
// Invalid values are logged and replaced by their defaults. Only an
// unusable directory is fatal.
//
// # Build Information
//
// Version, Commit and BuildTime are set with -ldflags:
//
//	go build -ldflags "-X photocache/internal/startup.Version=1.0.0"
package startup
