package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/database"
	"github.com/stemsi/certexam-backend/internal/handler"
	"github.com/stemsi/certexam-backend/internal/logger"
	"github.com/stemsi/certexam-backend/internal/metrics"
	"github.com/stemsi/certexam-backend/internal/middleware"
	"github.com/stemsi/certexam-backend/internal/repository"
	"github.com/stemsi/certexam-backend/internal/router"
	"github.com/stemsi/certexam-backend/internal/selector"
	"github.com/stemsi/certexam-backend/internal/service"
	"github.com/stemsi/certexam-backend/internal/validator"
	"github.com/stemsi/certexam-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "certexam")
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Dur("store_timeout", cfg.StoreTimeout).
		Msg("Starting certexam backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Metrics ───────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ─── Initialize Store & Services ──────────────────────────────────
	store := repository.NewStore(pool)

	authService := service.NewAuthService(cfg)
	catalogService := service.NewCatalogService(store, rdb, cfg, log)
	sessionService := service.NewExamSessionService(store, catalogService, selector.New(), m, cfg, log)
	monitorService := service.NewMonitorService(rdb, log)
	sessionService.SetEventPublisher(monitorService)

	rateLimiter := middleware.NewRateLimiter(rdb, cfg.RateLimitPerMinute, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Candidate: handler.NewCandidateHandler(sessionService),
		WS:        handler.NewWSHandler(sessionService, rateLimiter, log, cfg.AllowedOrigins),
		Admin:     handler.NewAdminHandler(sessionService, catalogService, cfg.SweepBatchSize, cfg.SweepConcurrency),
		Monitor:   handler.NewMonitorHandler(sessionService, monitorService, log),
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	timeoutWorker := worker.NewTimeoutWorker(sessionService, rdb, cfg, log)
	go func() {
		defer close(workerDone)
		timeoutWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, &router.Deps{
		Auth:        authService,
		RateLimiter: rateLimiter,
		Metrics:     m,
		Gatherer:    reg,
		Log:         log,
	}, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the sweep worker and let an in-flight sweep finish.
	workerCancel()
	waitWorker(workerDone, log)

	log.Info().Msg("Shutdown complete")
}

func waitWorker(done <-chan struct{}, log zerolog.Logger) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout worker did not stop in time")
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
