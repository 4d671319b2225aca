package pagecache

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

type MemcachedCache struct {
	client *memcache.Client
	ttl    time.Duration
}

func NewMemcached(server string, ttl time.Duration) *MemcachedCache {
	return &MemcachedCache{client: memcache.New(server), ttl: ttl}
}

func (c *MemcachedCache) Get(_ context.Context, key string) (Page, error) {
	item, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return Page{}, ErrMiss
	}
	if err != nil {
		return Page{}, err
	}
	return decode(item.Value)
}

func (c *MemcachedCache) Set(_ context.Context, key string, page Page) error {
	return c.client.Set(&memcache.Item{
		Key:        key,
		Value:      encode(page),
		Expiration: int32(c.ttl / time.Second),
	})
}
