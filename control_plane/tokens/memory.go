package tokens

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryCache is a process-local token cache with lazy TTL eviction.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	descriptor Descriptor
	expiresAt  time.Time
}

// NewMemoryCache creates a cache whose tokens expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Put(ctx context.Context, token string, d Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[token]; ok && c.now().Before(e.expiresAt) {
		return errors.New("token already exists")
	}
	c.entries[token] = entry{
		descriptor: d,
		expiresAt:  c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, token string) (Descriptor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return Descriptor{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, token)
		return Descriptor{}, false, nil
	}
	return e.descriptor, true, nil
}
