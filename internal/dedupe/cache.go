// Package dedupe decides whether an incoming opportunity has already
// been processed, using a bounded in-memory cache in front of a durable
// sink existence query, with an optional fuzzy-title check for
// near-duplicates.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// ttlCache is a capacity-bounded TTL cache with LRU eviction. Safe for
// concurrent use; shared read/write across the whole pipeline.
type ttlCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	ttl      time.Duration
	capacity int
	nowFunc  func() time.Time
}

type cacheEntry struct {
	key    string
	seenAt time.Time
}

func newTTLCache(ttl time.Duration, capacity int) *ttlCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &ttlCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		nowFunc:  time.Now,
	}
}

// Contains reports whether key is cached and not expired. A hit
// refreshes LRU position but not the TTL.
func (c *ttlCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && c.nowFunc().Sub(entry.seenAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Add inserts or refreshes key, evicting the least recently used entry
// when over capacity.
func (c *ttlCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).seenAt = c.nowFunc()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, seenAt: c.nowFunc()})
	c.entries[key] = el

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached entries, expired or not.
func (c *ttlCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
