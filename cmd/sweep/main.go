package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/database"
	"github.com/stemsi/certexam-backend/internal/logger"
	"github.com/stemsi/certexam-backend/internal/metrics"
	"github.com/stemsi/certexam-backend/internal/repository"
	"github.com/stemsi/certexam-backend/internal/selector"
	"github.com/stemsi/certexam-backend/internal/service"
	"github.com/stemsi/certexam-backend/internal/worker"
)

// sweep runs a single timeout sweep, for cron jobs or operators.
func main() {
	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Upper bound for the whole sweep")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "certexam-sweep")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	store := repository.NewStore(pool)
	catalog := service.NewCatalogService(store, rdb, cfg, log)
	m := metrics.New(prometheus.NewRegistry())
	sessions := service.NewExamSessionService(store, catalog, selector.New(), m, cfg, log)

	n, ran, err := worker.NewTimeoutWorker(sessions, rdb, cfg, log).RunOnce(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}
	if !ran {
		fmt.Println("Another sweep is running, nothing done")
		return
	}
	fmt.Printf("Timed out %d session(s)\n", n)
}
