package pypi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Throttle delays index calls so that every process sharing the same limit
// stays under the index's request budget.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// RedisThrottle is a Throttle backed by a GCRA limiter stored in Redis.
type RedisThrottle struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisThrottle allows requestsPerMinute calls per key across all clients
// of rdb.
func NewRedisThrottle(rdb *redis.Client, requestsPerMinute int) *RedisThrottle {
	return &RedisThrottle{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.PerMinute(requestsPerMinute),
	}
}

// Wait blocks until the limiter admits one call for key or ctx ends.
func (t *RedisThrottle) Wait(ctx context.Context, key string) error {
	for {
		res, err := t.limiter.Allow(ctx, "pypackage:index:"+key, t.limit)
		if err != nil {
			return fmt.Errorf("throttle check failed: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
