package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestGetSet(t *testing.T) {
	c := New(4, time.Minute)
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Error("hit on empty cache")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Errorf("got %v, %v", v, ok)
	}

	c.Set("a", 2)
	if v, _ := c.Get("a"); v.(int) != 2 {
		t.Errorf("overwrite lost: %v", v)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := NewWithClock(4, time.Minute, clock)
	defer c.Close()

	c.Set("a", "cached")
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Error("expired early")
	}
	clock.Advance(2 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Error("served after TTL")
	}
	// The expired read evicted the entry.
	if c.Len() != 0 {
		t.Errorf("len = %d after expired read", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	// Touch a so b is the eviction candidate.
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("new entry missing")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New(4, time.Minute)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("invalidated key still cached")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("invalidate removed the wrong key")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("len = %d after clear", c.Len())
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := New(4, time.Minute)
	c.Close()
	c.Close()

	// Still usable after close; only the sweeper stops.
	c.Set("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Error("cache unusable after close")
	}
}
