// Package cache provides a small in-memory TTL cache with hit statistics.
package cache

import (
	"sync"
	"time"
)

// TTLCache keeps values for a fixed time after they were last set
type TTLCache[K comparable, V any] struct {
	data    map[K]entry[V]
	ttl     time.Duration
	mu      sync.RWMutex
	now     func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
	stop    sync.Once

	hits   uint64
	misses uint64
}

type entry[V any] struct {
	value      V
	expiration time.Time
}

// Stats returns cache statistics
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache whose expired entries are swept once a minute
func New[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		data:    make(map[K]entry[V]),
		ttl:     ttl,
		now:     time.Now,
		cleanup: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Get retrieves a live value from the cache
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok || c.now().After(e.expiration) {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return e.value, true
}

// Set stores a value with the cache's TTL
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry[V]{value: value, expiration: c.now().Add(c.ttl)}
}

// Delete removes a value from the cache
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
}

// Size returns the number of entries, expired ones included until the next sweep
func (c *TTLCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// GetOrSet returns the cached value for key, computing and storing it when absent.
// compute errors are returned as is and nothing is cached.
func (c *TTLCache[K, V]) GetOrSet(key K, compute func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, value)
	return value, nil
}

func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{Size: len(c.data), Hits: c.hits, Misses: c.misses, HitRate: hitRate}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *TTLCache[K, V]) Stop() {
	c.stop.Do(func() {
		c.cleanup.Stop()
		close(c.done)
	})
}

func (c *TTLCache[K, V]) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *TTLCache[K, V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.data {
		if now.After(e.expiration) {
			delete(c.data, key)
		}
	}
}
