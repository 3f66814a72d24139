package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendance-cache/internal/api"
	"attendance-cache/internal/bgsync"
	"attendance-cache/internal/config"
	"attendance-cache/internal/connectivity"
	"attendance-cache/internal/kvcache"
	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage/sqlite"
	"attendance-cache/internal/ttl"
	"attendance-cache/internal/worker"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	// Root context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logger
	level := logs.ParseLevel(cfg.LogLevel)
	sink := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	logger := logs.NewLogger(1000, level).Mirror(sink)

	// Metrics
	metricsRegistry := metrics.NewRegistry()

	// Key-value cache
	kv, closeKV, err := openKeyValue(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeKV()

	bulk := &lazyBulk{path: cfg.BulkDBPath}
	defer bulk.Close()

	cacheConfig := kvcache.DefaultConfig()
	cacheConfig.Version = cfg.CacheVersion
	cacheConfig.DefaultTTL = cfg.CacheDefaultTTL
	cache := kvcache.New(kv, bulk.Open, cacheConfig, logger, metricsRegistry)

	// TTL cleaner
	ttlCleaner := ttl.NewCleaner(cache, cfg.SweepInterval, logger, metricsRegistry)
	go ttlCleaner.Start(ctx)

	// Response caches + sync queue
	if err := ensureDir(cfg.WorkerDBPath); err != nil {
		log.Fatal(err)
	}
	workerStore, err := sqlite.Open(ctx, cfg.WorkerDBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer workerStore.Close()
	caches := workerStore.ResponseCaches()

	connConfig := connectivity.DefaultConfig()
	connConfig.Probe.URL = cfg.ProbeURL
	connConfig.Probe.Interval = cfg.ProbeInterval

	replayer := bgsync.NewReplayer(workerStore, nil, connConfig.Retry, logger, metricsRegistry)

	// Worker registration
	workerConfig := worker.DefaultConfig()
	workerConfig.CacheName = cfg.WorkerCacheName
	workerConfig.Version = cfg.WorkerVersion
	workerConfig.Origin = cfg.AppOrigin
	workerConfig.APIHosts = cfg.APIHosts
	workerConfig.MapsHosts = cfg.MapsHosts
	workerConfig.CDNHosts = cfg.CDNHosts
	workerConfig.QueueActions = cfg.QueueActions
	if len(cfg.PrecacheURLs) > 0 {
		workerConfig.Precache = cfg.PrecacheURLs
	}

	// Connectivity: replay queued submissions when the backend returns
	registration := worker.NewRegistration(caches, nil, logger, metricsRegistry)
	monitor := connectivity.NewMonitor(connConfig, logger, metricsRegistry)
	monitor.OnOnline(func(context.Context) {
		go func() {
			if err := registration.Sync(ctx, workerConfig.SyncTag); err != nil {
				logger.Warn("sync after reconnect failed", "err", err)
			}
		}()
	})
	go monitor.Start(ctx)

	go func() {
		if !register(ctx, registration, workerConfig, caches, replayer, monitor, connConfig.Retry, logger, metricsRegistry) {
			return
		}
		// drain submissions left over from the previous run
		if err := registration.Sync(ctx, workerConfig.SyncTag); err != nil {
			logger.Warn("startup sync failed", "err", err)
		}
		retryPendingSync(ctx, registration, cfg.SweepInterval, logger)
	}()

	// API
	handler := api.NewHandler(cache, registration, metricsRegistry, logger)
	httpHandler := api.RegisterRoutes(http.NewServeMux(), handler, registration, cfg.AdminJWTSecret)

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(httpHandler, h2s),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr, "cache_version", cfg.CacheVersion, "kv_backend", cfg.KVBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
	cache.Wait()
	registration.Wait()
}

// register installs the first worker, retrying with backoff while the app
// origin cannot serve the precache list.
func register(
	ctx context.Context,
	registration *worker.Registration,
	cfg worker.Config,
	caches *sqlite.CacheStorage,
	replayer *bgsync.Replayer,
	monitor *connectivity.Monitor,
	policy connectivity.RetryPolicy,
	logger *logs.Logger,
	reg *metrics.Registry,
) bool {
	policy.MaxRetries = 8
	policy.MaxBackoff = time.Minute

	err := connectivity.Retry(ctx, policy, func() error {
		w, err := worker.New(cfg, caches, logger, reg,
			worker.WithSync(replayer, replayer),
			worker.WithReporter(monitor),
		)
		if err != nil {
			return connectivity.Permanent(err)
		}
		return registration.Register(ctx, w)
	}, func(attempt int, err error) {
		logger.Warn("worker registration failed, retrying", "attempt", attempt, "err", err)
	})
	if err != nil {
		logger.Error("worker registration gave up", "err", err)
		return false
	}
	logger.Info("worker registered", "cache", cfg.FullCacheName())
	return true
}

// retryPendingSync retries a failed sync on every tick until ctx is done.
func retryPendingSync(ctx context.Context, registration *worker.Registration, interval time.Duration, logger *logs.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ran, err := registration.SyncPending(ctx); ran && err != nil {
				logger.Debug("pending sync still failing", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
