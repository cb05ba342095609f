// Package cache provides the small TTL cache that fronts context assembly.
// Graph loads are cheap but not free; repeated context requests inside the
// TTL window are served from here.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Clock abstracts time for expiry checks so tests can drive it directly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a TTL + capacity bounded key-value cache. Reads refresh recency;
// inserts beyond capacity evict the least recently used entry. A background
// sweep drops expired entries so memory doesn't linger until the next read.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	clock    Clock
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *Cache {
	return NewWithClock(capacity, ttl, realClock{})
}

// NewWithClock creates a cache using the supplied clock. The sweep interval
// follows the TTL.
func NewWithClock(capacity int, ttl time.Duration, clock Clock) *Cache {
	if capacity <= 0 {
		capacity = 64
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		entries:  make(map[string]*entry),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		stop:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value for key, or (nil, false) if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Set stores a value under key, resetting its TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.clock.Now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{key: key, value: value, expiresAt: c.clock.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Clear drops every entry. Called after writes that change what context
// assembly would produce.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Len returns the number of live entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep. The cache remains usable.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.clock.Now()
			c.mu.Lock()
			for _, e := range c.entries {
				if !now.Before(e.expiresAt) {
					c.removeLocked(e)
				}
			}
			c.mu.Unlock()
		}
	}
}
