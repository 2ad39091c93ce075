package rules

import "time"

// RulesCache caches the active rule set indexed by source entity, so the
// engine does not scan or re-read rules that cannot match an event.
type RulesCache interface {
	// Get returns the cached active rules for a source entity.
	// ok is false on a cache miss or when the entry has expired.
	Get(sourceEntity string) (rules []*Rule, ok bool)

	// Set replaces the cached active rule set
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns defaults for active-rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 30 * time.Second,
	}
}
