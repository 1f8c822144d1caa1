package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/config"
)

// Sweeper times out expired sessions in bounded batches.
type Sweeper interface {
	SweepExpired(ctx context.Context, batch, concurrency int) (int, error)
}

// releaseLock deletes the lock only while this replica still owns it.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TimeoutWorker periodically finalizes sessions whose time ran out while no
// request touched them. A Redis lock keeps replicas from sweeping together.
type TimeoutWorker struct {
	sweeper     Sweeper
	rdb         *redis.Client
	interval    time.Duration
	batch       int
	concurrency int
	log         zerolog.Logger
}

// NewTimeoutWorker creates a TimeoutWorker sweeping every cfg.SweepInterval (30s when unset).
func NewTimeoutWorker(sweeper Sweeper, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *TimeoutWorker {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TimeoutWorker{
		sweeper:     sweeper,
		rdb:         rdb,
		interval:    interval,
		batch:       cfg.SweepBatchSize,
		concurrency: cfg.SweepConcurrency,
		log:         log.With().Str("component", "timeout_worker").Logger(),
	}
}

// Start sweeps every interval until ctx is cancelled.
func (w *TimeoutWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("TimeoutWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("TimeoutWorker stopped")
			return
		case <-ticker.C:
			if _, _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Timeout sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep if no other replica holds the lock. It
// reports how many sessions were timed out and whether the lock was taken.
func (w *TimeoutWorker) RunOnce(ctx context.Context) (int, bool, error) {
	key := config.CacheKey.SweepLockKey()
	token := uuid.NewString()

	acquired, err := w.rdb.SetNX(ctx, key, token, w.interval).Result()
	if err != nil {
		return 0, false, err
	}
	if !acquired {
		w.log.Debug().Msg("Sweep lock held elsewhere, skipping")
		return 0, false, nil
	}
	defer func() {
		// Released on a fresh context so shutdown does not leave the lock behind.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLock.Run(rctx, w.rdb, []string{key}, token).Err(); err != nil {
			w.log.Warn().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	n, err := w.sweeper.SweepExpired(ctx, w.batch, w.concurrency)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}
