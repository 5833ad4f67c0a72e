package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// ClientSource hands out the current redis client. redisholder.Holder
// satisfies it, so the cache follows reconnects.
type ClientSource interface {
	Get() redis.UniversalClient
}

type Cache struct {
	Redis     ClientSource
	Namespace string
}

func (c *Cache) key(key string) string { return c.Namespace + ":" + key }

// Get value from Redis
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.Redis.Get().Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

// Store data to Redis. A zero ttl keeps the key until removed.
func (c *Cache) Store(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	return c.Redis.Get().Set(ctx, c.key(key), value, ttl).Err()
}

// Delete key from Redis
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.Redis.Get().Del(ctx, c.key(key)).Err()
}

// Create Redis cache bound to a namespace
func NewCache(namespace string, src ClientSource) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     src,
	}
}
