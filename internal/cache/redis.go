package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/logging"
)

// RedisCache is a Redis-backed Cache shared by every gateway node.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// NewRedisCache wraps an existing client. prefix is prepended to every key.
func NewRedisCache(client *redis.Client, prefix string, opTimeout time.Duration) *RedisCache {
	if opTimeout <= 0 {
		opTimeout = 100 * time.Millisecond
	}
	return &RedisCache{
		client:    client,
		prefix:    prefix,
		opTimeout: opTimeout,
	}
}

// DialRedis connects to Redis, retrying with exponential backoff until
// the server answers or maxWait elapses.
func DialRedis(ctx context.Context, cfg config.RedisConfig, maxWait time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxWait

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn("Redis not reachable, retrying",
			zap.String("address", cfg.Address),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connect redis %s: %w", cfg.Address, err)
	}

	return NewRedisCache(client, cfg.KeyPrefix, cfg.OpTimeout), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		logging.Warn("Redis cache get failed", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		logging.Warn("Redis cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		logging.Warn("Redis cache delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache: remove %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
