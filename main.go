package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"photocache/internal/blobstore"
	"photocache/internal/cache"
	"photocache/internal/database"
	"photocache/internal/fetch"
	"photocache/internal/filesystem"
	"photocache/internal/handlers"
	"photocache/internal/logging"
	"photocache/internal/memory"
	"photocache/internal/metrics"
	"photocache/internal/middleware"
	"photocache/internal/startup"
	"photocache/internal/transcode"
	"photocache/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

func main() {
	startTime := time.Now()

	// Memory first so the ledger load runs under the right limit
	memResult := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}
	startup.LogMemoryConfig(memResult)

	filesystem.SetObserver(metrics.NewFilesystemObserver())
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"cache":    config.CacheDir,
		"database": config.DatabaseDir,
	}))
	metrics.InitializeMetrics()
	buildInfo := startup.GetBuildInfo()
	metrics.SetAppInfo(buildInfo.Version, buildInfo.Commit, buildInfo.GoVersion)

	dbStart := time.Now()
	db, err := database.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	startup.LogDatabaseInit(time.Since(dbStart))

	if config.VipsEnabled {
		err := transcode.InitVips(config.WorkerPoolSize)
		startup.LogVipsInit(true, err)
	} else {
		startup.LogVipsInit(false, nil)
	}

	monitor := memory.NewMonitor(memory.DefaultConfig())
	monitor.Start()

	store, err := blobstore.New(config.CacheDir)
	if err != nil {
		startup.LogFatal("Failed to open cache directory: %v", err)
	}

	httpClient := &http.Client{Timeout: config.FetchTimeout}
	fetcher := fetch.NewLimited(
		fetch.Standard(httpClient, config.FetchRateLimit),
		config.FetchConcurrency,
		config.FetchTimeout,
	)

	c := cache.New(store, fetcher, cache.Options{
		WorkerPoolSize:     config.WorkerPoolSize,
		ProgressEmitEveryN: config.ProgressEmitEvery,
		JPEGQuality:        config.JPEGQuality,
		ResizeFactor:       config.QualityResizeFactor,
		Display:            cache.FixedDisplay{Width: config.DisplayWidth, Height: config.DisplayHeight},
		Throttle:           monitor,
		Observer:           metrics.NewCacheObserver(),
		TranscodeObserver:  metrics.NewTranscodeObserver(),
		History:            db,
	})

	h := handlers.New(c, db)

	loadStart := time.Now()
	if err := c.Load(context.Background()); err != nil {
		startup.LogFatal("Failed to load cache: %v", err)
	}
	startup.LogCacheLoaded(len(c.Entries()), len(c.FileSizes()), c.TotalSize(), time.Since(loadStart))
	h.SetReady(true)

	collector := metrics.NewCollector(metrics.StatsFunc(func() metrics.Stats {
		return metrics.Stats{
			TotalBytes:    c.TotalSize(),
			Files:         len(c.FileSizes()),
			LedgerEntries: len(c.Entries()),
		}
	}), db, time.Minute)
	collector.Start()

	var w *watcher.Watcher
	if config.WatchCacheDir {
		w, err = watcher.New(c.Dir(), c)
		if err != nil {
			logging.Warn("Cache directory watcher disabled: %v", err)
		} else {
			w.Start()
		}
	}

	router := setupRouter(h)
	startup.LogHTTPRoutes(router)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Compression(middleware.DefaultCompressionConfig())(
		middleware.Logger(loggingConfig)(router),
	)

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Progress websockets and ?wait=true submits hold the response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = newMetricsServer(config.MetricsPort, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(srv) })
	if metricsSrv != nil {
		g.Go(func() error { return serve(metricsSrv) })
	}

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})

	g.Go(func() error {
		<-gctx.Done()
		reason := "server error"
		if ctx.Err() != nil {
			reason = "signal"
		}
		startup.LogShutdownInitiated(reason)
		shutdown(srv, metricsSrv, h, w, collector, monitor)
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Error("Server error: %v", err)
	}

	// Everything that writes to disk goes last.
	startup.LogShutdownStep("Flushing cache ledger")
	if err := c.Close(); err != nil {
		logging.Warn("Cache close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Cache ledger saved")
	}
	if err := db.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	}
	transcode.ShutdownVips()
	startup.LogShutdownComplete()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newMetricsServer(port string, h *handlers.Handlers) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", h.MetricsHandler())
	return &http.Server{
		Addr:              ":" + port,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	// Probes and build info
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api/cache").Subrouter()
	api.HandleFunc("", h.SubmitBatch).Methods("POST")
	api.HandleFunc("", h.Cleanup).Methods("DELETE")
	api.HandleFunc("/progress", h.ServeProgress).Methods("GET")
	api.HandleFunc("/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/lookup", h.Lookup).Methods("GET")
	api.HandleFunc("/file", h.ServeCachedFile).Methods("GET", "HEAD")
	api.HandleFunc("/entries", h.ListEntries).Methods("GET")
	api.HandleFunc("/entries", h.EvictEntry).Methods("DELETE")
	api.HandleFunc("/size", h.GetSize).Methods("GET")
	api.HandleFunc("/batches", h.ListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")

	return r
}

// shutdown stops the listeners first so no new batches arrive, then
// cancels running batches and the background loops.
func shutdown(srv, metricsSrv *http.Server, h *handlers.Handlers, w *watcher.Watcher, collector *metrics.Collector, monitor *memory.Monitor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}

	startup.LogShutdownStep("Cancelling running batches")
	h.Close()
	startup.LogShutdownStepComplete("Batches stopped")

	if w != nil {
		w.Stop()
	}
	collector.Stop()
	monitor.Stop()
	logging.Debug("Background loops stopped (goroutines: %d)", runtime.NumGoroutine())
}
