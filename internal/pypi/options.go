package pypi

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/packaginator/pypackage/internal/config"
)

// OptionsFromConfig returns the client options shared by every index client of
// one process: the configured timeout, a DNS-caching transport refreshed until
// ctx ends, and the Redis throttle when it is enabled and rdb is not nil.
func OptionsFromConfig(ctx context.Context, cfg config.IndexConfig, rdb *redis.Client) []Option {
	resolver := NewResolver(ctx, cfg.DNSRefreshInterval)
	opts := []Option{
		WithTimeout(cfg.Timeout),
		WithTransport(NewTransport(resolver, cfg.UserAgent, cfg.Timeout)),
	}
	if cfg.Throttle.Enabled && rdb != nil {
		opts = append(opts, WithThrottle(NewRedisThrottle(rdb, cfg.Throttle.RequestsPerMinute)))
	}
	return opts
}

// NewRedisClient connects to the Redis used by the index throttle. It returns
// nil when the throttle is disabled.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !cfg.Index.Throttle.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}
