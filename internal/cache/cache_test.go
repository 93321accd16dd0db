package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time          { return c.now }
func (c *mockClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("hit on empty cache")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	got[0] = 'x'
	again, _, _ := c.Get(ctx, "k")
	if string(again) != "v" {
		t.Error("caller mutation leaked into cache")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &mockClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCacheWithClock(clock)

	c.Set(ctx, "short", []byte("12345"), time.Second)
	c.Set(ctx, "long", []byte("abc"), time.Hour)
	c.Set(ctx, "forever", []byte("z"), 0)

	clock.Advance(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Error("expired item returned")
	}

	c.Set(ctx, "short2", []byte("12345"), time.Second)
	clock.Advance(2 * time.Second)
	p, err := c.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Entries != 1 || p.Bytes != 5 {
		t.Errorf("PurgeExpired = %+v, want 1 entry / 5 bytes", p)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestMemoryCacheFlush(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	c.Set(ctx, "a", []byte("aa"), 0)
	c.Set(ctx, "b", []byte("bbb"), 0)

	p, err := c.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Entries != 2 || p.Bytes != 5 {
		t.Errorf("Flush = %+v", p)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after flush", c.Len())
	}
}

// TestRedisCache runs against a live server when SELFTUNE_TEST_REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("SELFTUNE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SELFTUNE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, addr)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	if err := c.Set(ctx, "test-key", []byte("value"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "test-key")
	if err != nil || !ok || string(got) != "value" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
	p, err := c.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Entries < 1 {
		t.Errorf("Flush removed %d entries", p.Entries)
	}
	if _, ok, _ := c.Get(ctx, "test-key"); ok {
		t.Error("key survived flush")
	}
}
