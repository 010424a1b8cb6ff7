package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis_db "github.com/giftfleet/giftfleet/internal/redis-db"

	"github.com/giftfleet/giftfleet/config"

	"github.com/go-redis/cache/v9"
)

// Cache holds rotation-scoped values, chiefly the current catalog snapshot.
// The shop rotates daily, so entries are written once per rotation and read
// on every order; a small in-process hot tier sits in front of Redis.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, data interface{}) error
	Delete(ctx context.Context, key string) error
}

// NewCache connects to the configured Redis and returns the production cache.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	ca, err := newRedisCache([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	return ca, nil
}

// Hot tier capacity. Catalog snapshots are small; this is generous.
const cacheSize = 128000

type RedisCache struct {
	cache *cache.Cache
}

func newRedisCache(addresses []string) (*RedisCache, error) {
	client, err := redis_db.NewRedisClient(addresses)
	if err != nil {
		return nil, err
	}

	// The hot tier TTL stays short so every worker converges on a freshly
	// installed rotation within a minute.
	c := cache.New(&cache.Options{
		Redis:      client.Client(),
		LocalCache: cache.NewTinyLFU(cacheSize, 1*time.Minute),
	})

	r := &RedisCache{cache: c}

	return r, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

// Get decodes the entry into data. A miss leaves data untouched and returns
// nil; callers detect it by the zero value, the way Catalog.Snapshot checks
// for an empty sync id.
func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, &data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}

	if err != nil {
		return err
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}
