package graph

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// CacheStats tracks hits/misses/evictions per layer, shared across L1
// and L2 (spec §4.3).
type CacheStats struct {
	mu                            sync.Mutex
	L1Hits, L1Misses, L1Evictions int
	L2Hits, L2Misses, L2Evictions int
}

func (s *CacheStats) recordL1(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.L1Hits++
	} else {
		s.L1Misses++
	}
}

func (s *CacheStats) recordL2(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.L2Hits++
	} else {
		s.L2Misses++
	}
}

// HitRate returns the combined hit rate across both layers.
func (s *CacheStats) HitRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.L1Hits + s.L1Misses + s.L2Hits + s.L2Misses
	if total == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(total)
}

// Snapshot returns a point-in-time copy of the counters.
func (s *CacheStats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		"l1_hits": s.L1Hits, "l1_misses": s.L1Misses, "l1_evictions": s.L1Evictions,
		"l2_hits": s.L2Hits, "l2_misses": s.L2Misses, "l2_evictions": s.L2Evictions,
	}
}

type l1Entry struct {
	key       string
	value     []ScoredNode
	expiresAt time.Time
}

// l1QueryCache is the query-result cache: key = (normalized-query,
// threshold-tag, k-tag), TTL-bounded, LRU-evicted, invalidated wholesale
// on every graph write (spec §4.3).
type l1QueryCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	index    map[string]*list.Element
	stats    *CacheStats
}

func newL1QueryCache(capacity int, ttl time.Duration, stats *CacheStats) *l1QueryCache {
	return &l1QueryCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		stats:    stats,
	}
}

// QueryCacheKey builds the L1 key from its three components.
func QueryCacheKey(normalizedQuery string, thresholdTag, kTag string) string {
	return fmt.Sprintf("%s|%s|%s", normalizedQuery, thresholdTag, kTag)
}

func (c *l1QueryCache) Get(key string) ([]ScoredNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.recordL1(false)
		return nil, false
	}
	entry := el.Value.(*l1Entry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.index, key)
		c.stats.recordL1(false)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.stats.recordL1(true)
	return entry.value, true
}

func (c *l1QueryCache) Set(key string, value []ScoredNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*l1Entry).value = value
		el.Value.(*l1Entry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&l1Entry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*l1Entry).key)
		c.stats.mu.Lock()
		c.stats.L1Evictions++
		c.stats.mu.Unlock()
	}
}

// InvalidateAll drops every L1 entry. Called after any write to the
// graph (spec §4.3, §5).
func (c *l1QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.index = make(map[string]*list.Element)
}

type l2Entry struct {
	key   string
	value []float64
}

// l2EmbeddingCache caches text -> embedding with no TTL (embeddings are
// deterministic over their input), LRU-evicted (spec §4.3, §5).
type l2EmbeddingCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
	stats    *CacheStats
}

func newL2EmbeddingCache(capacity int, stats *CacheStats) *l2EmbeddingCache {
	return &l2EmbeddingCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		stats:    stats,
	}
}

func (c *l2EmbeddingCache) Get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.recordL2(false)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.stats.recordL2(true)
	return el.Value.(*l2Entry).value, true
}

func (c *l2EmbeddingCache) Set(key string, value []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*l2Entry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&l2Entry{key: key, value: value})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*l2Entry).key)
		c.stats.mu.Lock()
		c.stats.L2Evictions++
		c.stats.mu.Unlock()
	}
}

// Cache bundles the L1 query cache and L2 embedding cache behind one
// stats counter (spec §4.3).
type Cache struct {
	L1    *l1QueryCache
	L2    *l2EmbeddingCache
	Stats *CacheStats
}

// NewCache constructs both layers sharing one CacheStats.
func NewCache(l1Capacity, l2Capacity int, ttl time.Duration) *Cache {
	stats := &CacheStats{}
	return &Cache{
		L1:    newL1QueryCache(l1Capacity, ttl, stats),
		L2:    newL2EmbeddingCache(l2Capacity, stats),
		Stats: stats,
	}
}
