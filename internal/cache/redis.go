package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "selftune:fetch:"

// RedisCache keeps entries in Redis so cached pages survive restarts and can
// be shared between instances.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache connects to addr and verifies the connection with PING.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	slog.Info("redis cache connected", "addr", addr)
	return &RedisCache{client: client, logger: slog.Default()}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, keyPrefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis expires keys itself.
func (c *RedisCache) PurgeExpired(context.Context) (Purged, error) {
	return Purged{}, nil
}

// Flush deletes every key under the cache prefix.
func (c *RedisCache) Flush(ctx context.Context) (Purged, error) {
	var p Purged
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("failed to delete cache key", "key", iter.Val(), "error", err)
			continue
		}
		p.Entries++
	}
	if err := iter.Err(); err != nil {
		return p, fmt.Errorf("scanning cache keys: %w", err)
	}
	return p, nil
}
