// Package cache provides a size-bounded LRU map with an eviction hook.
//
// It indexes the image views of a host texture by their shape so repeated
// lookups skip the linear scan over every view:
//
//	index := cache.New[viewKey, *View](256, nil)
//	if v, ok := index.Get(key); ok {
//		return v
//	}
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache

import (
	"container/list"
	"sync"
)

// Cache is an LRU map holding at most limit entries.
// A limit of 0 means unlimited.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*list.Element
	order   *list.List // of *entry[K, V], most recently used first
	limit   int
	onEvict func(K, V)

	hits, misses, evictions uint64
}

// New creates a cache. onEvict, if non-nil, is called for every entry
// dropped by the limit, by Delete or by Purge. It runs with the cache lock
// held and must not call back into the cache.
func New[K comparable, V any](limit int, onEvict func(K, V)) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*list.Element),
		order:   list.New(),
		limit:   limit,
		onEvict: onEvict,
	}
}

// Get returns the value stored for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Set stores value for key, replacing and evicting any previous value.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		old := e.value
		e.value = value
		c.order.MoveToFront(el)
		c.evict(key, old)
		return
	}
	c.insert(key, value)
}

// GetOrCreate returns the cached value for key, calling create under the
// lock on a miss so concurrent callers never build the same value twice.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return el.Value.(*entry[K, V]).value
	}
	c.misses++
	value := create()
	c.insert(key, value)
	return value
}

// Find returns the most recently used value matching pred.
func (c *Cache[K, V]) Find(pred func(K, V) bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if pred(e.key, e.value) {
			c.order.MoveToFront(el)
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Delete removes key, reporting whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.entries, key)
	c.evict(e.key, e.value)
	return true
}

// Purge removes every entry, oldest first.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; el = c.order.Back() {
		e := c.order.Remove(el).(*entry[K, V])
		c.evict(e.key, e.value)
	}
	c.entries = make(map[K]*list.Element)
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.entries),
		Limit:     c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Caller must hold c.mu.
func (c *Cache[K, V]) insert(key K, value V) {
	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	for c.limit > 0 && len(c.entries) > c.limit {
		oldest := c.order.Remove(c.order.Back()).(*entry[K, V])
		delete(c.entries, oldest.key)
		c.evict(oldest.key, oldest.value)
	}
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func (c *Cache[K, V]) evict(key K, value V) {
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// Stats contains cache counters.
type Stats struct {
	Len       int
	Limit     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	// HitRate is Hits / (Hits + Misses), 0 before the first lookup.
	HitRate float64
}
