package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/response"
)

// RateLimiter is a fixed one-minute window limiter shared across replicas
// through Redis counters.
type RateLimiter struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
	log   zerolog.Logger
}

// NewRateLimiter creates a RateLimiter allowing limit requests per principal per minute.
// A limit of 0 disables limiting.
func NewRateLimiter(rdb *redis.Client, limit int, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:   rdb,
		limit: limit,
		now:   time.Now,
		log:   log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Middleware returns a Gin middleware that rate-limits requests by principal.
// When Redis is unreachable requests are let through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		count, err := rl.hit(c.Request.Context(), Principal(c))
		if err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, rl.limit-int(count))))
		if count > int64(rl.limit) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// Allow counts one request for who in the current window and reports whether
// it is within the limit. It shares the budget of Middleware and, like it,
// lets the request through when Redis is unreachable.
func (rl *RateLimiter) Allow(ctx context.Context, who string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	count, err := rl.hit(ctx, who)
	if err != nil {
		rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true
	}
	return count <= int64(rl.limit)
}

func (rl *RateLimiter) hit(ctx context.Context, who string) (int64, error) {
	window := rl.now().Unix() / 60
	key := config.CacheKey.RateLimitKey(who, window)

	var incr *redis.IntCmd
	_, err := rl.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Minute)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
