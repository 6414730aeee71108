package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a concurrency safe map with an optional time to live.
// A zero ttl keeps entries until they are deleted.
type Cache[K comparable, V any] struct {
	entries map[K]entry[V]
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries never expire
func New[K comparable, V any]() *Cache[K, V] {
	return NewTTL[K, V](0, time.Now)
}

// NewTTL creates a cache whose entries expire ttl after they were set.
// now is used as the clock and may be swapped for tests.
func NewTTL[K comparable, V any](ttl time.Duration, now func() time.Time) *Cache[K, V] {
	if now == nil {
		now = time.Now
	}

	return &Cache[K, V]{
		mu:      sync.RWMutex{},
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     now,
	}
}

func (c *Cache[K, V]) expired(e entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteIf removes key only when match reports true for the stored value
func (c *Cache[K, V]) DeleteIf(key K, match func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !match(e.value) {
		return false
	}

	delete(c.entries, key)
	return true
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e, c.now()) {
		var zero V
		return zero, false
	}

	return e.value, true
}

// Size counts live entries
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	size := 0
	for _, e := range c.entries {
		if !c.expired(e, now) {
			size++
		}
	}

	return size
}

func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	keys := make([]K, 0, len(c.entries))
	for k, e := range c.entries {
		if !c.expired(e, now) {
			keys = append(keys, k)
		}
	}

	return keys
}

// Swap stores value under key and returns the previous value even when it has expired
func (c *Cache[K, V]) Swap(key K, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[key]
	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
	return prev.value, ok
}

// Take removes key and returns its value even when it has expired
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	delete(c.entries, key)
	return e.value, ok
}

// Prune removes expired entries, calling evict for each one outside the lock.
// It returns the number of entries removed.
func (c *Cache[K, V]) Prune(evict func(K, V)) int {
	c.mu.Lock()
	now := c.now()
	removed := make(map[K]V)
	for k, e := range c.entries {
		if c.expired(e, now) {
			removed[k] = e.value
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if evict != nil {
		for k, v := range removed {
			evict(k, v)
		}
	}

	return len(removed)
}

// Drain removes and returns every stored value, expired or not
func (c *Cache[K, V]) Drain() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]V, 0, len(c.entries))
	for _, e := range c.entries {
		values = append(values, e.value)
	}

	c.entries = make(map[K]entry[V])
	return values
}
