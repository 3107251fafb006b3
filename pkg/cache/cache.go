// Package cache provides the expiring read cache used to avoid duplicate
// reads against the remote document store.
package cache

import "time"

// Cache is the contract the data access layer depends on. Keys are strings so
// that whole collections can be invalidated by prefix.
type Cache[V any] interface {
	// Get returns the value for key if it is present and younger than its TTL.
	Get(key string) (V, bool)
	// Set stores value under key, overwriting any prior entry. A ttl <= 0
	// selects the cache's default TTL.
	Set(key string, value V, ttl time.Duration)
	// Invalidate removes a single key.
	Invalidate(key string)
	// InvalidateByPrefix removes every key starting with prefix and reports
	// how many entries were removed.
	InvalidateByPrefix(prefix string) int
	// Clear removes every entry.
	Clear()
}
