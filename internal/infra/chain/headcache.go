package chain

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

// TagFetcher resolves block tags such as latest and finalized.
type TagFetcher interface {
	GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error)
}

// HeadCache caches tag lookups for ttl so read-only observers such as health
// probes don't add node load. The block window must keep using the source
// directly.
type HeadCache struct {
	source TagFetcher
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cachedHead
}

type cachedHead struct {
	block *domain.Block
	at    time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(source TagFetcher, ttl time.Duration) *HeadCache {
	return &HeadCache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cachedHead),
	}
}

// GetBlockByTag returns the cached block if within TTL, otherwise fetches fresh.
func (c *HeadCache) GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error) {
	c.mu.Lock()
	if e, ok := c.entries[tag]; ok && time.Since(e.at) < c.ttl {
		c.mu.Unlock()
		return e.block, nil
	}
	c.mu.Unlock()

	b, err := c.source.GetBlockByTag(ctx, tag)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[tag] = cachedHead{block: b, at: time.Now()}
	c.mu.Unlock()
	return b, nil
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
