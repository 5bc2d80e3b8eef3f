// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community edition cache and as L1 in two-phase caching.
// Expiry is decided by the injected clock.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	clock    domain.Clock
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
	ranked   map[string]*rankedEntry
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type rankedEntry struct {
	scores    map[string]float64
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache on the system clock.
func NewLRUCache(maxSize int) *LRUCache {
	return NewLRUCacheWithClock(maxSize, domain.SystemClock{})
}

// NewLRUCacheWithClock creates a new LRU cache whose expiry follows clock.
func NewLRUCacheWithClock(maxSize int, clock domain.Clock) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &LRUCache{
		maxSize:  maxSize,
		clock:    clock,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
		ranked:   make(map[string]*rankedEntry),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if !c.clock.Now().Before(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(ttl)

	// Update existing entry
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// IncrementCounter atomically increments a counter.
func (c *LRUCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, ok := c.counters[key]

	if !ok || !now.Before(entry.expiresAt) {
		// Start new counter window
		c.counters[key] = &counterEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// IncrementScore adds by to member in the ranked set at key.
func (c *LRUCache) IncrementScore(ctx context.Context, key, member string, by float64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, ok := c.ranked[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rankedEntry{
			scores:    make(map[string]float64),
			expiresAt: now.Add(ttl),
		}
		c.ranked[key] = entry
	}
	entry.scores[member] += by
	return nil
}

// TopScores returns the n highest members at key. Ties order by member.
func (c *LRUCache) TopScores(ctx context.Context, key string, n int) ([]domain.ScoredMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.ranked[key]
	if !ok {
		return nil, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.ranked, key)
		return nil, nil
	}

	out := make([]domain.ScoredMember, 0, len(entry.scores))
	for m, s := range entry.scores {
		out = append(out, domain.ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	c.ranked = make(map[string]*rankedEntry)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
