package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"photocache/internal/logging"
	"photocache/internal/memory"
	"photocache/internal/transcode"
	"photocache/internal/workers"

	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config holds all application configuration
type Config struct {
	CacheDir       string
	DatabaseDir    string
	Port           string
	MetricsPort    string
	MetricsEnabled bool

	WorkerPoolSize      int
	QualityResizeFactor float64
	JPEGQuality         int
	ProgressEmitEvery   int
	DisplayWidth        int
	DisplayHeight       int

	FetchTimeout     time.Duration
	FetchConcurrency int
	FetchRateLimit   float64

	WatchCacheDir   bool
	VipsEnabled     bool
	LogHealthChecks bool

	// Derived paths
	DatabasePath string
}

// Defaults for values that have no natural zero.
const (
	DefaultWorkerPoolSize    = 4
	DefaultProgressEmitEvery = 5
	DefaultDisplayWidth      = 1920
	DefaultDisplayHeight     = 1080
	DefaultFetchTimeout      = 30 * time.Second
	DefaultFetchConcurrency  = 16
)

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	cfg := &Config{
		CacheDir:       getEnv("CACHE_DIR", "/cache"),
		DatabaseDir:    getEnv("DATABASE_DIR", "/database"),
		Port:           getEnv("PORT", "8080"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		WorkerPoolSize:      workers.PoolSize(getEnvInt("WORKER_POOL_SIZE", 0, 1, 256), DefaultWorkerPoolSize),
		QualityResizeFactor: getEnvFloat("QUALITY_RESIZE_FACTOR", transcode.DefaultResizeFactor, 1, 4),
		JPEGQuality:         getEnvInt("JPEG_QUALITY", transcode.DefaultQuality, 1, 100),
		ProgressEmitEvery:   getEnvInt("PROGRESS_EMIT_EVERY", DefaultProgressEmitEvery, 1, 1_000_000),
		DisplayWidth:        getEnvInt("DISPLAY_WIDTH", DefaultDisplayWidth, 1, 1<<16),
		DisplayHeight:       getEnvInt("DISPLAY_HEIGHT", DefaultDisplayHeight, 1, 1<<16),

		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", DefaultFetchTimeout),
		FetchConcurrency: getEnvInt("FETCH_CONCURRENCY", workers.ForIO(DefaultFetchConcurrency), 1, 1024),
		FetchRateLimit:   getEnvFloat("FETCH_RATE_LIMIT", 0, 0, 1e6),

		WatchCacheDir:   getEnvBool("WATCH_CACHE_DIR", true),
		VipsEnabled:     getEnvBool("VIPS_ENABLED", true),
		LogHealthChecks: getEnvBool("LOG_HEALTH_CHECKS", false),
	}

	logging.Info("  CACHE_DIR:             %s", cfg.CacheDir)
	logging.Info("  DATABASE_DIR:          %s", cfg.DatabaseDir)
	logging.Info("  PORT:                  %s", cfg.Port)
	logging.Info("  METRICS_PORT:          %s", cfg.MetricsPort)
	logging.Info("  METRICS_ENABLED:       %v", cfg.MetricsEnabled)
	logging.Info("  WORKER_POOL_SIZE:      %d", cfg.WorkerPoolSize)
	logging.Info("  QUALITY_RESIZE_FACTOR: %.2f", cfg.QualityResizeFactor)
	logging.Info("  JPEG_QUALITY:          %d", cfg.JPEGQuality)
	logging.Info("  PROGRESS_EMIT_EVERY:   %d", cfg.ProgressEmitEvery)
	logging.Info("  DISPLAY:               %dx%d", cfg.DisplayWidth, cfg.DisplayHeight)
	logging.Info("  FETCH_TIMEOUT:         %v", cfg.FetchTimeout)
	logging.Info("  FETCH_CONCURRENCY:     %d", cfg.FetchConcurrency)
	if cfg.FetchRateLimit > 0 {
		logging.Info("  FETCH_RATE_LIMIT:      %.1f req/s", cfg.FetchRateLimit)
	} else {
		logging.Info("  FETCH_RATE_LIMIT:      off")
	}
	logging.Info("  WATCH_CACHE_DIR:       %v", cfg.WatchCacheDir)
	logging.Info("  VIPS_ENABLED:          %v", cfg.VipsEnabled)
	logging.Info("  LOG_LEVEL:             %s", logging.GetLevel())

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	var err error
	cfg.CacheDir, err = filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory path: %w", err)
	}
	logging.Info("  Cache directory (absolute): %s", cfg.CacheDir)

	cfg.DatabaseDir, err = filepath.Abs(cfg.DatabaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	logging.Info("  Database directory (absolute): %s", cfg.DatabaseDir)
	cfg.DatabasePath = filepath.Join(cfg.DatabaseDir, "photocache.db")

	for _, dir := range []struct{ path, name string }{
		{cfg.CacheDir, "cache"},
		{cfg.DatabaseDir, "database"},
	} {
		if err := ensureDirectory(dir.path, dir.name); err != nil {
			return nil, fmt.Errorf("%s directory error: %w", dir.name, err)
		}
		if err := testWriteAccess(dir.path); err != nil {
			return nil, fmt.Errorf("%s directory is not writable: %w", dir.name, err)
		}
		logging.Info("  [OK] %s directory is writable", dir.name)
	}

	return cfg, nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// LogMemoryConfig logs the outcome of memory.ConfigureFromEnv.
func LogMemoryConfig(result memory.ConfigResult) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("MEMORY")
	logging.Info("------------------------------------------------------------")
	switch result.Source {
	case memory.SourceGoMemLimit:
		logging.Info("  GOMEMLIMIT: %d bytes (from environment)", result.GoMemLimit)
	case memory.SourceMemoryLimit:
		logging.Info("  GOMEMLIMIT: %d bytes (%.0f%% of %d byte container limit)",
			result.GoMemLimit, result.Ratio*100, result.ContainerLimit)
	default:
		logging.Info("  GOMEMLIMIT: not configured, memory backpressure %s", enabledString(false))
	}
}

// LogVipsInit logs the libvips startup result.
func LogVipsInit(enabled bool, err error) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("TRANSCODER INITIALIZATION")
	logging.Info("------------------------------------------------------------")

	switch {
	case !enabled:
		logging.Info("  libvips: DISABLED (VIPS_ENABLED=false), using pure Go decoding")
	case err != nil:
		logging.Warn("  libvips failed to start: %v", err)
		logging.Warn("  Falling back to pure Go decoding")
	default:
		logging.Info("  [OK] libvips shrink-on-load enabled for JPEG")
	}
}

// LogCacheLoaded logs the ledger and size index state after Load.
func LogCacheLoaded(entries, files int, totalBytes int64, d time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("CACHE")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Ledger entries:  %d", entries)
	logging.Info("  Files on disk:   %d (%d bytes)", files, totalBytes)
	logging.Info("  [OK] Loaded in %v", d)
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DATABASE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Batch history database initialized in %v", duration)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes at debug level.
func LogHTTPRoutes(router *mux.Router) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if !logging.IsDebugEnabled() {
		return
	}

	routes, err := GetRoutes(router)
	if err != nil {
		logging.Warn("error walking routes: %v", err)
	}

	groups := make(map[string][]RouteInfo)
	for _, route := range routes {
		prefix := getRouteGroup(route.Path)
		groups[prefix] = append(groups[prefix], route)
	}

	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	logging.Debug("  Registered routes (%d total):", len(routes))
	for _, group := range groupKeys {
		label := group
		if label == "" {
			label = "root"
		}
		logging.Debug("  [%s]", label)
		for _, route := range groups[group] {
			logging.Debug("    %-6s %s", route.Method, route.Path)
		}
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}
	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("  API:             http://0.0.0.0:%s/api/cache", config.Port)
	if config.MetricsEnabled {
		logging.Info("  Metrics:         http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("  Metrics:         DISABLED")
	}
	logging.Info("------------------------------------------------------------")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
           _           _
     _ __ | |__   ___ | |_ ___   ___ __ _  ___| |__   ___
    | '_ \| '_ \ / _ \| __/ _ \ / __/ _' |/ __| '_ \ / _ \
    | |_) | | | | (_) | || (_) | (_| (_| | (__| | | |  __/
    | .__/|_| |_|\___/ \__\___/ \___\__,_|\___|_| |_|\___|
    |_|
------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvInt parses key as an int in [lo, hi]. Anything else yields the default.
func getEnvInt(key string, defaultValue, lo, hi int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < lo || parsed > hi {
		logging.Warn("Invalid value for %s: %q (want %d-%d), using default: %d", key, value, lo, hi, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue, lo, hi float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < lo || parsed > hi {
		logging.Warn("Invalid value for %s: %q (want %g-%g), using default: %g", key, value, lo, hi, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
