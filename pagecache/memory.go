package pagecache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCache keeps pages in the server process.
type MemoryCache struct {
	cache *cache.Cache
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{cache: cache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Page, error) {
	x, found := m.cache.Get(key)
	if !found {
		return Page{}, ErrMiss
	}
	return x.(Page), nil
}

func (m *MemoryCache) Set(_ context.Context, key string, page Page) error {
	body := make([]byte, len(page.Body))
	copy(body, page.Body)
	m.cache.Set(key, Page{ContentType: page.ContentType, Body: body}, cache.DefaultExpiration)
	return nil
}

// Flush drops all pages.
func (m *MemoryCache) Flush() {
	m.cache.Flush()
}
