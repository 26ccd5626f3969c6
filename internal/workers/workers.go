package workers

import (
	"os"
	"runtime"
	"strconv"
)

// OverrideEnv is the environment variable that pins worker counts.
const OverrideEnv = "CACHE_WORKERS"

// override returns the CACHE_WORKERS value when it is a positive integer.
func override() (int, bool) {
	v := os.Getenv(OverrideEnv)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Count returns the number of workers for a task type, based on GOMAXPROCS
// (which follows container CPU limits since Go 1.19).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks
//   - 2.0 for I/O-bound tasks
//   - 1.5 for mixed tasks
//
// limit caps the result; 0 means no cap. CACHE_WORKERS overrides the
// calculation but is still capped by limit.
func Count(multiplier float64, limit int) int {
	if n, ok := override(); ok {
		if limit > 0 && n > limit {
			return limit
		}
		return n
	}

	workers := int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}
	return workers
}

// ForCPU returns worker count for CPU-bound tasks (1 per CPU).
func ForCPU(limit int) int {
	return Count(1.0, limit)
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(limit int) int {
	return Count(2.0, limit)
}

// ForMixed returns worker count for mixed tasks (1.5 per CPU).
func ForMixed(limit int) int {
	return Count(1.5, limit)
}

// PoolSize returns the fixed transcode pool size: configured when positive,
// else CACHE_WORKERS, else fallback. Unlike Count it does not scale with
// CPUs, so a batch behaves the same on every host.
func PoolSize(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	if n, ok := override(); ok {
		return n
	}
	if fallback < 1 {
		return 1
	}
	return fallback
}
