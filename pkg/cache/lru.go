// Package cache provides an in-memory LRU cache with TTL and the HTTP
// middleware that serves package metadata responses from it.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry holds a cached response and its expiration time.
type entry struct {
	key         string
	value       []byte
	contentType string
	expiresAt   time.Time
}

// LRUCache is a thread-safe cache with TTL and max-size eviction. When the
// cache is full the least recently used entry is evicted. Expired entries
// are lazily removed on Get.
//
// Every invalidation bumps a generation counter. A writer that read its
// data before an invalidation uses SetIfGeneration so it cannot put the
// stale response back.
type LRUCache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front is most recently used
	maxSize    int
	ttl        time.Duration
	generation uint64
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LRUCache{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value and content type for key.
func (c *LRUCache) Get(key string) (value []byte, contentType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, "", false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.remove(el)
		return nil, "", false
	}
	c.order.MoveToFront(el)
	return e.value, e.contentType, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRUCache) Set(key string, value []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, contentType)
}

// Generation returns the current invalidation generation.
func (c *LRUCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// SetIfGeneration stores the value only if no invalidation happened since
// gen was read. It reports whether the value was stored.
func (c *LRUCache) SetIfGeneration(key string, value []byte, contentType string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.set(key, value, contentType)
	return true
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// InvalidateFunc removes every key for which match returns true.
func (c *LRUCache) InvalidateFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := 0
	for key, el := range c.items {
		if match(key) {
			c.remove(el)
			n++
		}
	}
	return n
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Size returns the number of entries currently in the cache (including
// potentially expired ones that haven't been lazily cleaned).
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Must be called with c.mu held.
func (c *LRUCache) set(key string, value []byte, contentType string) {
	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value, e.contentType, e.expiresAt = value, contentType, expiresAt
		c.order.MoveToFront(el)
		return
	}
	for len(c.items) >= c.maxSize {
		c.remove(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry{key: key, value: value, contentType: contentType, expiresAt: expiresAt})
}

// Must be called with c.mu held.
func (c *LRUCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
