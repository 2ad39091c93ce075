package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is an in-memory implementation of RulesCache.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	bySource map[string][]*Rule
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
	isValid  bool
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get retrieves the cached rules for a source entity
func (c *InMemoryRulesCache) Get(sourceEntity string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil, false
	}

	// Return copy of the slice to prevent external modifications
	cached := c.bySource[sourceEntity]
	rulesCopy := make([]*Rule, len(cached))
	copy(rulesCopy, cached)
	return rulesCopy, true
}

// Set stores the active rule set, indexed by source entity
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	index := make(map[string][]*Rule)
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		index[rule.SourceEntity] = append(index[rule.SourceEntity], rule.Clone())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bySource = index
	c.cachedAt = c.now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.bySource = nil
}

func (c *InMemoryRulesCache) validLocked() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
