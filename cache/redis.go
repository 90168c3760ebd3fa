package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the Redis-backed Cache used when the web process and the
// ingestion workers run on separate hosts.
type RedisCache struct {
	client *redis.Client

	counters
}

// NewRedis connects to the Redis instance described by url
// (e.g. redis://localhost:6379/0) and verifies the connection.
func NewRedis(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache: get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("cache: set failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache: delete failed", "error", err)
	}
}

func (c *RedisCache) DeleteByPrefix(ctx context.Context, prefix string) int {
	deleted := 0
	iter := c.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			deleted += c.deleteBatch(ctx, batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache: scan failed", "prefix", prefix, "error", err)
	}
	deleted += c.deleteBatch(ctx, batch)
	c.evictions.Add(int64(deleted))
	return deleted
}

func (c *RedisCache) deleteBatch(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		slog.Warn("cache: batch delete failed", "error", err)
		return 0
	}
	return int(n)
}

func (c *RedisCache) Stats() Stats {
	return c.snapshot()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
