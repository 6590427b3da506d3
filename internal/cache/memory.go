package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"aiorch/internal/core"
)

const shardCount = 32

type memoryEntry struct {
	resp       core.CompletionResponse
	insertedAt time.Time
	expiresAt  time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// MemoryCache is an in-process ResponseCache. Keys are spread over lock-striped
// shards so unrelated fingerprints never contend on one mutex. Expired entries
// are dropped on read and by a periodic sweeper.
type MemoryCache struct {
	shards      [shardCount]*memoryShard
	now         func() time.Time
	maxPerShard int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// WithMaxEntries bounds the cache size. The bound is enforced per shard, so the
// effective capacity is rounded up to a multiple of the shard count. Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.maxPerShard = (n + shardCount - 1) / shardCount
		}
	}
}

// NewMemoryCache creates an in-process cache. A positive sweepInterval starts a
// background sweeper that Close stops.
func NewMemoryCache(sweepInterval time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func (c *MemoryCache) shard(key string) *memoryShard {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns a copy of the live entry for key.
func (c *MemoryCache) Get(_ context.Context, key string) (*core.CompletionResponse, bool, error) {
	s := c.shard(key)
	now := c.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == e {
			delete(s.entries, key)
			c.expired.Add(1)
		}
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	resp := e.resp
	return &resp, true, nil
}

// Set stores a copy of resp. Last write wins.
func (c *MemoryCache) Set(_ context.Context, key string, resp *core.CompletionResponse, ttl time.Duration) error {
	if ttl <= 0 || resp == nil {
		return nil
	}
	s := c.shard(key)
	now := c.now()
	entry := &memoryEntry{resp: *resp, insertedAt: now, expiresAt: now.Add(ttl)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && c.maxPerShard > 0 && len(s.entries) >= c.maxPerShard {
		c.evictLocked(s, now)
	}
	s.entries[key] = entry
	return nil
}

// evictLocked frees one slot in s, preferring expired entries over the oldest live one.
func (c *MemoryCache) evictLocked(s *memoryShard, now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			c.expired.Add(1)
			return
		}
		if oldestKey == "" || e.insertedAt.Before(oldest) {
			oldestKey, oldest = k, e.insertedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Clear removes every entry.
func (c *MemoryCache) Clear(_ context.Context) (int64, error) {
	var removed int64
	for _, s := range c.shards {
		s.mu.Lock()
		removed += int64(len(s.entries))
		s.entries = make(map[string]*memoryEntry)
		s.mu.Unlock()
	}
	return removed, nil
}

// Stats counts live entries and reports the hit counters.
func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	now := c.now()
	var keys int64
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if now.Before(e.expiresAt) {
				keys++
			}
		}
		s.mu.RUnlock()
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Keys:      keys,
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate(hits, misses),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expired.Add(int64(removed))
	return removed
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("response cache sweep", "expired", n)
			}
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
	return nil
}
