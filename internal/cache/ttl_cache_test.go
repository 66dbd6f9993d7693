package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestGetRespectsTTLBoundary(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New[int64, string](time.Minute, 0, WithClock(clk.Now))
	defer c.Close()

	c.Set(7, "session-7")

	clk.Advance(59 * time.Second)
	if v, ok := c.Get(7); !ok || v != "session-7" {
		t.Fatalf("Get before expiry = %q, %v", v, ok)
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(7); ok {
		t.Fatal("entry must be gone at exactly ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestSetRefreshesExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := New[string, int](10*time.Second, 0, WithClock(clk.Now))
	defer c.Close()

	c.Set("a", 1)
	clk.Advance(8 * time.Second)
	c.Set("a", 2)
	clk.Advance(8 * time.Second)

	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Fatalf("Get = %d, %v", v, ok)
	}
}

func TestDeleteAndDeleteFunc(t *testing.T) {
	c := New[int, string](time.Minute, 0)
	defer c.Close()

	c.Set(1, "room-a")
	c.Set(2, "room-b")
	c.Set(3, "room-a")

	c.Delete(2)
	if _, ok := c.Get(2); ok {
		t.Fatal("deleted key still readable")
	}

	c.DeleteFunc(func(_ int, v string) bool { return v == "room-a" })
	if c.Len() != 0 {
		t.Fatalf("len = %d after DeleteFunc", c.Len())
	}
}

func TestEvictExpired(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := New[int, int](time.Second, 0, WithClock(clk.Now))
	defer c.Close()

	c.Set(1, 1)
	clk.Advance(500 * time.Millisecond)
	c.Set(2, 2)
	clk.Advance(600 * time.Millisecond)

	c.evictExpired()
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if _, ok := c.Get(2); !ok {
		t.Fatal("younger entry evicted")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := New[int, int](time.Second, time.Millisecond)
	c.Close()
	c.Close()
}
