package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is a size-bounded in-process Cache with per-key expiry.
// It backs single-node deployments and tests.
type MemoryCache struct {
	lru    *lru.Cache[string, memoryEntry]
	now    func() time.Time
	closed atomic.Bool
}

// NewMemoryCache creates a cache holding at most maxSize keys.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	l, _ := lru.New[string, memoryEntry](maxSize)
	return &MemoryCache{lru: l, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.closed.Load() {
		return "", false, ErrClosed
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.lru.Remove(key)
	return nil
}

// Len returns the number of stored keys, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func (c *MemoryCache) Close() error {
	c.closed.Store(true)
	c.lru.Purge()
	return nil
}
