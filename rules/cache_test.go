package rules

import (
	"testing"
	"time"
)

func TestInMemoryRulesCacheMissBeforeSet(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	if _, ok := cache.Get("Event"); ok {
		t.Error("empty cache should miss")
	}
}

func TestInMemoryRulesCacheIndexesBySource(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	event := testRule("event")
	recognition := testRule("recognition")
	recognition.SourceEntity = "Recognition"
	inactive := testRule("inactive")
	inactive.IsActive = false

	cache.Set([]*Rule{event, recognition, inactive})

	got, ok := cache.Get("Event")
	if !ok || len(got) != 1 || got[0].ID != "event" {
		t.Errorf("Get(Event) = %v, %v; want [event], true", ruleIDs(got), ok)
	}

	// A valid cache answers an unknown source with an empty hit
	got, ok = cache.Get("Survey")
	if !ok || len(got) != 0 {
		t.Errorf("Get(Survey) = %v, %v; want [], true", ruleIDs(got), ok)
	}
}

func TestInMemoryRulesCacheTTL(t *testing.T) {
	cache := NewInMemoryRulesCache(CacheConfig{TTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set([]*Rule{testRule("r")})
	if _, ok := cache.Get("Event"); !ok {
		t.Fatal("fresh cache should hit")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("Event"); ok {
		t.Error("expired cache should miss")
	}
}

func TestInMemoryRulesCacheInvalidate(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	cache.Set([]*Rule{testRule("r")})
	cache.Invalidate()

	if _, ok := cache.Get("Event"); ok {
		t.Error("invalidated cache should miss")
	}
}

func TestInMemoryRulesCacheStoresCopies(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	rule := testRule("r")
	cache.Set([]*Rule{rule})

	rule.Name = "changed after Set"

	got, _ := cache.Get("Event")
	if got[0].Name == "changed after Set" {
		t.Error("cache should hold its own copy of each rule")
	}
}
