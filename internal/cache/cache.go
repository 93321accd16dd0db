// Package cache stores fetched content between learning cycles.
package cache

import (
	"context"
	"sync"
	"time"
)

// Purged reports what a purge or flush removed. Bytes counts memory released
// in this process; caches living elsewhere report zero.
type Purged struct {
	Entries int
	Bytes   int64
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	PurgeExpired(ctx context.Context) (Purged, error)
	Flush(ctx context.Context) (Purged, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type memItem struct {
	val       []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. Expired items are dropped lazily on
// Get and eagerly by PurgeExpired.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	clock Clock
}

func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(realClock{})
}

// NewMemoryCacheWithClock creates a MemoryCache with a custom clock (for testing).
func NewMemoryCacheWithClock(clock Clock) *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), clock: clock}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !c.clock.Now().Before(it.expiresAt) {
		delete(c.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(it.val))
	copy(out, it.val)
	return out, true, nil
}

// Set stores a copy of val. A non-positive ttl never expires.
func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	it := memItem{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) PurgeExpired(_ context.Context) (Purged, error) {
	now := c.clock.Now()
	var p Purged

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			p.Entries++
			p.Bytes += int64(len(it.val))
			delete(c.items, k)
		}
	}
	return p, nil
}

func (c *MemoryCache) Flush(_ context.Context) (Purged, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p Purged
	for _, it := range c.items {
		p.Entries++
		p.Bytes += int64(len(it.val))
	}
	c.items = make(map[string]memItem)
	return p, nil
}

// Len returns the number of stored items, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
