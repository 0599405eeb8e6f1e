// ABOUTME: TTL response cache for idempotent request replay
// ABOUTME: Collapses concurrent duplicates and replays stored results within the TTL window

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache stores the result of a keyed operation for ttl, bounded to maxSize
// entries with oldest-first eviction. Only successful results are stored.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	flight  singleflight.Group
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine removes expired entries
// until Close is called.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the stored value for key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key, evicting the oldest entry when full.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
}

// Do returns the stored result for key, or runs fn and stores its result.
// Concurrent calls for the same key share one execution of fn. replayed is
// true only when the value was already stored when Do was called.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (value V, replayed bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	res, err, _ := c.flight.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	v, _ := res.(V)
	return v, false, err
}

// Len returns the number of stored entries, including expired ones not yet cleaned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
