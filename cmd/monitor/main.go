package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/agent-monitor/internal/adapter/api"
	"github.com/V4T54L/agent-monitor/internal/adapter/api/handler"
	"github.com/V4T54L/agent-monitor/internal/adapter/metrics"
	"github.com/V4T54L/agent-monitor/internal/adapter/redact"
	"github.com/V4T54L/agent-monitor/internal/adapter/repository/memory"
	"github.com/V4T54L/agent-monitor/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/agent-monitor/internal/adapter/repository/redis"
	"github.com/V4T54L/agent-monitor/internal/adapter/repository/wal"
	"github.com/V4T54L/agent-monitor/internal/alerting"
	"github.com/V4T54L/agent-monitor/internal/domain"
	"github.com/V4T54L/agent-monitor/internal/hub"
	"github.com/V4T54L/agent-monitor/internal/notify"
	"github.com/V4T54L/agent-monitor/internal/pkg/config"
	"github.com/V4T54L/agent-monitor/internal/pkg/logger"
	"github.com/V4T54L/agent-monitor/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

const (
	cacheSweepInterval = 30 * time.Second
	startupTimeout     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("monitor exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()
	if err := postgres.Migrate(startCtx, db); err != nil {
		return err
	}

	// --- Repositories ---
	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
	if err != nil {
		return err
	}
	defer walRepo.Close()

	store := postgres.NewMetricRepository(db, walRepo, logger, m)
	rules := postgres.NewRuleRepository(db, logger)
	alerts := postgres.NewAlertRepository(db, logger)
	channels := postgres.NewChannelRepository(db, logger)

	var bg sync.WaitGroup
	goBackground := func(f func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			f()
		}()
	}
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	if err := store.RecoverWAL(startCtx); err != nil {
		logger.Warn("WAL recovery deferred to health check", "error", err)
	}
	// Health check and WAL replay loop
	goBackground(func() { store.StartHealthCheck(workCtx, cfg.DBHealthCheckInterval) })

	cache := newRecentCache(startCtx, cfg, logger)
	if mc, ok := cache.(*memory.RecentCache); ok {
		goBackground(func() { mc.StartSweeper(workCtx, cacheSweepInterval) })
	}
	if n, err := usecase.WarmCache(startCtx, store, cache, logger); err != nil {
		logger.Warn("cache warm-up incomplete", "error", err, "loaded", n)
	} else {
		logger.Info("cache warmed up", "loaded", n)
	}

	// --- Engine ---
	events := hub.New(cfg.HubBuffer, logger, m)
	goBackground(func() { events.Run(workCtx) })

	dispatcher := notify.NewDispatcher(notify.Config{
		QueueSize:      cfg.NotifyQueueSize,
		Workers:        cfg.NotifyWorkers,
		MaxRetries:     cfg.NotifyMaxRetries,
		AttemptTimeout: cfg.NotifyAttemptTimeout,
		BackoffBase:    cfg.NotifyBackoffBase,
		BackoffMax:     cfg.NotifyBackoffMax,
		RateLimit:      cfg.NotifyRateLimit,
		CheckInterval:  cfg.ChannelCheckInterval,
	}, channels, notify.NewRegistry(&http.Client{Timeout: cfg.NotifyAttemptTimeout}), logger, m)
	goBackground(func() { dispatcher.Run(workCtx) })

	lifecycle := alerting.NewLifecycle(alerts, rules, events, dispatcher, logger, m)
	if err := lifecycle.Load(startCtx); err != nil {
		return err
	}

	evaluator := alerting.NewEvaluator(alerting.EvaluatorConfig{
		Interval:  cfg.EvaluationInterval,
		Window:    cfg.EvaluationWindow,
		Staleness: cfg.StalenessWindow,
		Workers:   cfg.EvaluationWorkers,
	}, rules, cache, lifecycle, logger, m)
	goBackground(func() { evaluator.Run(workCtx) })

	ingest := usecase.NewIngestMetricUseCase(store, cache, events, logger, m)
	if cfg.EvaluateOnIngest {
		ingest.OnIngest(evaluator.Trigger)
	}
	query := usecase.NewQueryMetricUseCase(store, cache, cfg.MaxQueryBuckets, logger, m)

	pruner := usecase.NewRetentionPruner(store, cfg.Retention, logger, m)
	goBackground(func() { pruner.Run(workCtx, cfg.RetentionPruneInterval) })

	overview := usecase.NewOverviewReporter(lifecycle.Open, events.Count, ingest.Accepted, channels, events, logger)
	goBackground(func() { overview.Run(workCtx, cfg.OverviewInterval) })

	// --- Servers ---
	router := api.NewRouter(api.Handlers{
		Metrics:  handler.NewMetricsHandler(ingest, query, logger, cfg.MaxBodyBytes),
		Alerts:   handler.NewAlertHandler(usecase.NewAlertService(alerts, lifecycle), logger),
		Rules:    handler.NewRuleHandler(usecase.NewRuleService(rules, channels, lifecycle, logger), logger),
		Channels: handler.NewChannelHandler(usecase.NewChannelService(channels, dispatcher, redact.NewRedactor(strings.Split(cfg.RedactConfigFields, ","), logger), logger), logger),
		WS:       handler.NewWSHandler(events, logger, cfg.HubWriteTimeout),
		SSE:      handler.NewSSEHandler(events, logger, cfg.HubWriteTimeout),
	}, logger)

	// Streaming handlers bound their own writes, so no server-wide WriteTimeout.
	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           api.NewAdminRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := func(name string, srv *http.Server) {
		logger.Info("starting server", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "server", name, "error", err)
			stop() // Trigger shutdown on server error
		}
	}
	go serve("admin", adminServer)
	go serve("api", apiServer)
	cancelStart()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Stopping the hub first closes streaming connections so Shutdown does not wait on them.
	cancelWork()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	bg.Wait()

	logger.Info("servers shut down gracefully")
	return nil
}

// newRecentCache uses Redis when REDIS_ADDR is set and reachable and the
// in-process cache otherwise.
func newRecentCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) domain.RecentCache {
	if cfg.RedisAddr == "" {
		logger.Info("using in-process recent cache")
		return memory.NewRecentCache(cfg.CacheWindow, cfg.CacheMaxPoints, logger)
	}
	opts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		opts = &redis.Options{Addr: cfg.RedisAddr}
	}
	rc := redisrepo.NewRecentCache(redis.NewClient(opts), cfg.CacheWindow, cfg.CacheMaxPoints, logger)
	if err := rc.Ping(ctx); err != nil {
		logger.Warn("could not connect to redis, using in-process recent cache", "error", err)
		return memory.NewRecentCache(cfg.CacheWindow, cfg.CacheMaxPoints, logger)
	}
	logger.Info("using redis recent cache", "addr", opts.Addr)
	return rc
}
