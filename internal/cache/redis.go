package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"aiorch/internal/core"
)

// DefaultRedisPrefix namespaces response keys in a shared Redis.
const DefaultRedisPrefix = "aiorch:resp:"

// scanBatch is the COUNT hint for SCAN during Clear and Stats
const scanBatch = 500

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is prepended to every fingerprint (defaults to "aiorch:resp:")
	Prefix string
}

// RedisCache implements ResponseCache on Redis so several instances share hits.
// Expiry is delegated to Redis key TTLs; hit and miss counters are per process.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	slog.Info("redis response cache connected", "addr", opts.Addr, "db", opts.DB, "prefix", prefix)

	return &RedisCache{client: client, prefix: prefix, now: time.Now}, nil
}

// Get reads and decodes the entry for key.
func (c *RedisCache) Get(ctx context.Context, key string) (*core.CompletionResponse, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry behaves like a miss and is replaced on the next Set.
		c.misses.Add(1)
		return nil, false, fmt.Errorf("failed to parse cache entry from redis: %w", err)
	}

	c.hits.Add(1)
	return &entry.Response, true, nil
}

// Set stores resp with a Redis-side TTL.
func (c *RedisCache) Set(ctx context.Context, key string, resp *core.CompletionResponse, ttl time.Duration) error {
	if ttl <= 0 || resp == nil {
		return nil
	}
	data, err := json.Marshal(Entry{
		Response:   *resp,
		InsertedAt: c.now().UTC(),
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry in redis: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (c *RedisCache) Clear(ctx context.Context) (int64, error) {
	var removed int64
	err := c.scan(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		removed += n
		return err
	})
	if err != nil {
		return removed, fmt.Errorf("failed to clear redis cache: %w", err)
	}
	return removed, nil
}

// Stats counts keys under the prefix.
func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	var keys int64
	err := c.scan(ctx, func(batch []string) error {
		keys += int64(len(batch))
		return nil
	})
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := Stats{Keys: keys, Hits: hits, Misses: misses, HitRate: hitRate(hits, misses)}
	if err != nil {
		return stats, fmt.Errorf("failed to count redis cache keys: %w", err)
	}
	return stats, nil
}

func (c *RedisCache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
