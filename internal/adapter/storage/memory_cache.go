package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/lab-store/internal/port"
)

// MemoryCache is the in-process CacheRepository used with the memory store.
type MemoryCache struct {
	mu        sync.Mutex
	keys      map[string]time.Time
	snapshots map[string]port.StockSnapshot
	now       func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		keys:      make(map[string]time.Time),
		snapshots: make(map[string]port.StockSnapshot),
		now:       time.Now,
	}
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expires, ok := c.keys[key]; ok && c.now().Before(expires) {
		return false, nil
	}
	c.keys[key] = c.now().Add(idempotencyKeyTTL)
	return true, nil
}

func (c *MemoryCache) ClearIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

func (c *MemoryCache) SetAvailable(ctx context.Context, snapshots ...port.StockSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snapshots {
		if cur, ok := c.snapshots[s.ItemID]; ok && cur.Version >= s.Version {
			continue
		}
		c.snapshots[s.ItemID] = s
	}
	return nil
}

func (c *MemoryCache) GetAvailable(ctx context.Context, itemID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[itemID]
	return s.Available, ok, nil
}
