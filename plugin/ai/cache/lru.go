package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// LRU is a size-bounded, TTL-aware cache keyed by string.
type LRU[V any] struct {
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type lruItem[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewLRU creates an LRU. Non-positive arguments fall back to 1000 entries and 5 minutes.
func NewLRU[V any](capacity int, defaultTTL time.Duration) *LRU[V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &LRU[V]{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns the live value for key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	item := el.Value.(*lruItem[V])
	if c.now().After(item.expiresAt) {
		c.remove(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return item.value, true
}

// Set stores value under key; ttl <= 0 uses the default TTL.
func (c *LRU[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		item := el.Value.(*lruItem[V])
		item.value = value
		item.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.remove(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&lruItem[V]{key: key, value: value, expiresAt: expiresAt})
}

// Invalidate removes the exact key, or every key with the prefix when pattern ends in "*".
func (c *LRU[V]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		if el, ok := c.items[pattern]; ok {
			c.remove(el)
			return 1
		}
		return 0
	}

	count := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
			count++
		}
	}
	return count
}

// Len returns the number of entries, expired ones included until they are swept.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge removes all entries.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// RemoveExpired sweeps expired entries and returns how many were removed.
func (c *LRU[V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*lruItem[V]).expiresAt) {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// remove must be called with the lock held.
func (c *LRU[V]) remove(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*lruItem[V]).key)
}
