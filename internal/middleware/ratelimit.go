package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/authz"
)

// Counter counts hits for a key within a window that starts at the first hit.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type redisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) Counter {
	return &redisCounter{client: client}
}

func (c *redisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := "remindr:rl:" + key
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to count request")
	}
	return incr.Val(), nil
}

// RateLimiter caps reminder submissions per owner.
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	logger  zerolog.Logger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Limit must run after authz.RequireOwner. Requests are let through when the
// counter backend is unavailable.
func (l *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := authz.OwnerIDFromRequest(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		n, err := l.counter.Hit(r.Context(), owner, l.window)
		if err != nil {
			l.logger.Warn().Err(err).Str("owner_id", owner).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if n > l.limit {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "too many reminders submitted, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
