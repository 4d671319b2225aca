package pagecache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares pages between server instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Page, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Page{}, ErrMiss
	}
	if err != nil {
		return Page{}, err
	}
	return decode(b)
}

func (c *RedisCache) Set(ctx context.Context, key string, page Page) error {
	return c.client.Set(ctx, key, encode(page), c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
