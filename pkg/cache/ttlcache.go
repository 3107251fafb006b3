package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// TTLCacheConfig holds configuration for a TTLCache.
type TTLCacheConfig struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultTTLCacheConfig returns a five minute TTL swept every ten minutes.
func DefaultTTLCacheConfig() TTLCacheConfig {
	return TTLCacheConfig{
		DefaultTTL:      300 * time.Second,
		CleanupInterval: 10 * time.Minute,
	}
}

// ttlEntry is the internal structure stored for each key.
type ttlEntry[V any] struct {
	value     V
	writtenAt time.Time
	ttl       time.Duration
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// TTLCache is a generic, thread-safe, in-memory cache whose entries expire
// after a per-entry time to live. There is no size bound.
// Expired entries are evicted lazily on Get and proactively by Cleanup.
type TTLCache[V any] struct {
	cfg    TTLCacheConfig
	clock  quartz.Clock
	logger zerolog.Logger

	mu   sync.RWMutex
	data map[string]ttlEntry[V]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewTTLCache creates a new TTL cache. Zero config values fall back to
// DefaultTTLCacheConfig.
func NewTTLCache[V any](cfg TTLCacheConfig, clock quartz.Clock, logger zerolog.Logger) *TTLCache[V] {
	defaults := DefaultTTLCacheConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	return &TTLCache[V]{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "TTLCache").Logger(),
		data:   make(map[string]ttlEntry[V]),
	}
}

// Get returns the value stored under key. An entry whose age has reached its
// TTL is treated as absent and removed.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if e.expired(now) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced the entry.
		if cur, still := c.data[key]; still && cur.expired(now) {
			delete(c.data, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = ttlEntry[V]{value: value, writtenAt: c.clock.Now(), ttl: ttl}
}

// Invalidate removes key from the cache.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// InvalidateByPrefix removes every key that starts with prefix.
func (c *TTLCache[V]) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("Invalidated cache entries by prefix.")
	}
	return removed
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]ttlEntry[V])
}

// Cleanup evicts every expired entry and returns the number removed.
func (c *TTLCache[V]) Cleanup() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.data {
		if e.expired(now) {
			delete(c.data, k)
			removed++
		}
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// Start runs Cleanup every CleanupInterval until ctx is cancelled.
func (c *TTLCache[V]) Start(ctx context.Context) quartz.Waiter {
	c.logger.Info().Dur("interval", c.cfg.CleanupInterval).Msg("Starting cache cleanup loop.")
	return c.clock.TickerFunc(ctx, c.cfg.CleanupInterval, func() error {
		if n := c.Cleanup(); n > 0 {
			c.logger.Debug().Int("evicted", n).Msg("Cache cleanup evicted expired entries.")
		}
		return nil
	}, "cache", "cleanup")
}

// Stats returns the current entry count and lifetime counters.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.RLock()
	n := len(c.data)
	c.mu.RUnlock()
	return Stats{
		Entries:   n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
