package license

import (
	"sync"
	"time"

	"keygate/pkg/contracts/domain"
)

// cacheEntry is one cached record with its freshness window.
type cacheEntry struct {
	key       *domain.ActivationKey
	cachedAt  time.Time
	expiresAt time.Time
	hitCount  int
}

// RecordCache keeps recently fetched key records so verdict evaluation stays
// cheap between store notifications. Entries are invalidated eagerly whenever
// a change notification arrives, so the TTL only bounds staleness when the
// subscription is down.
type RecordCache struct {
	entries   map[string]cacheEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
}

// NewRecordCache creates a record cache with the given TTL and size bound.
func NewRecordCache(ttl time.Duration, maxSize int) *RecordCache {
	return &RecordCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get retrieves a fresh record from the cache.
func (c *RecordCache) Get(code string) (*domain.ActivationKey, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[code]
	if !exists || time.Now().After(entry.expiresAt) {
		c.missCount++
		return nil, false
	}

	entry.hitCount++
	c.entries[code] = entry
	c.hitCount++
	return entry.key.Clone(), true
}

// Set stores a record.
func (c *RecordCache) Set(code string, key *domain.ActivationKey) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[code] = cacheEntry{
		key:       key.Clone(),
		cachedAt:  time.Now(),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a record from the cache.
func (c *RecordCache) Invalidate(code string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, code)
}

// Stats returns cache counters for the health snapshot.
func (c *RecordCache) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}
	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   ratio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *RecordCache) evictOldest() {
	var oldestCode string
	var oldestTime time.Time
	for code, entry := range c.entries {
		if oldestCode == "" || entry.cachedAt.Before(oldestTime) {
			oldestCode = code
			oldestTime = entry.cachedAt
		}
	}
	if oldestCode != "" {
		delete(c.entries, oldestCode)
	}
}
