package graph

import (
	"testing"
	"time"
)

func TestL1QueryCache_SetGetAndTTLExpiry(t *testing.T) {
	c := NewCache(2, 2, 20*time.Millisecond)
	key := QueryCacheKey("what should we do", "0.0", "5")

	if _, ok := c.L1.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.L1.Set(key, []ScoredNode{{Score: 0.9}})
	if got, ok := c.L1.Get(key); !ok || len(got) != 1 {
		t.Fatalf("expected hit after set, got %v, %v", got, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.L1.Get(key); ok {
		t.Error("expected entry to expire after its TTL")
	}
}

func TestL1QueryCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := NewCache(2, 2, time.Minute)
	c.L1.Set("a", []ScoredNode{{Score: 1}})
	c.L1.Set("b", []ScoredNode{{Score: 2}})
	c.L1.Set("c", []ScoredNode{{Score: 3}}) // evicts "a", the least recently used

	if _, ok := c.L1.Get("a"); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if _, ok := c.L1.Get("b"); !ok {
		t.Error("expected b to survive")
	}
	if _, ok := c.L1.Get("c"); !ok {
		t.Error("expected c to survive")
	}
	if c.Stats.Snapshot()["l1_evictions"] != 1 {
		t.Errorf("expected exactly one eviction recorded, got %d", c.Stats.Snapshot()["l1_evictions"])
	}
}

func TestL1QueryCache_InvalidateAll(t *testing.T) {
	c := NewCache(10, 10, time.Minute)
	c.L1.Set("a", []ScoredNode{{Score: 1}})
	c.L1.InvalidateAll()
	if _, ok := c.L1.Get("a"); ok {
		t.Error("expected InvalidateAll to clear every entry")
	}
}

func TestL2EmbeddingCache_NoTTLEviction(t *testing.T) {
	c := NewCache(10, 1, time.Minute)
	c.L2.Set("hello", []float64{1, 2, 3})
	c.L2.Set("world", []float64{4, 5, 6}) // capacity 1: evicts "hello"

	if _, ok := c.L2.Get("hello"); ok {
		t.Error("expected eviction under capacity pressure")
	}
	if got, ok := c.L2.Get("world"); !ok || len(got) != 3 {
		t.Errorf("expected world to remain cached, got %v %v", got, ok)
	}
}

func TestCacheStats_HitRate(t *testing.T) {
	stats := &CacheStats{}
	if stats.HitRate() != 0 {
		t.Error("expected 0 hit rate with no activity")
	}
	stats.recordL1(true)
	stats.recordL1(false)
	stats.recordL2(true)
	if got := stats.HitRate(); got != 2.0/3.0 {
		t.Errorf("expected 2/3 hit rate, got %v", got)
	}
}
