// Package cache stores completed responses under their request fingerprint.
// Supports an in-process sharded map and Redis for multi-instance deployments.
package cache

import (
	"context"
	"fmt"
	"time"

	"aiorch/config"
	"aiorch/internal/core"
)

// Entry is the stored form of a cached response.
type Entry struct {
	Response   core.CompletionResponse `json:"response"`
	InsertedAt time.Time               `json:"inserted_at"`
	TTLSeconds int                     `json:"ttl_seconds"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Keys      int64   `json:"keys"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// ResponseCache maps a request fingerprint to a previously computed response.
// Implementations must be safe for concurrent use. An entry is never returned
// after its TTL has elapsed.
type ResponseCache interface {
	// Get returns a copy of the cached response. The boolean is false on a miss.
	Get(ctx context.Context, key string) (*core.CompletionResponse, bool, error)

	// Set stores resp under key. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, resp *core.CompletionResponse, ttl time.Duration) error

	// Clear removes every entry and returns how many were removed.
	Clear(ctx context.Context) (int64, error)

	// Stats returns the current counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any resources held by the cache.
	Close() error
}

// New builds the cache selected by cfg.Type.
func New(cfg config.CacheConfig) (ResponseCache, error) {
	switch cfg.Type {
	case "", config.CacheTypeMemory:
		return NewMemoryCache(
			time.Duration(cfg.SweepIntervalSeconds)*time.Second,
			WithMaxEntries(cfg.MaxEntries),
		), nil
	case config.CacheTypeRedis:
		return NewRedisCache(RedisConfig{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
