// Package cache implements the short-lived key ledger used to make OAuth state
// nonces single-use. Redis backs it in production; an in-process TTL cache is
// used when no Redis URL is configured.
package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

type Cache interface {
	// Claim records key for ttl. It returns false if key is already recorded.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisCache struct {
	conn *redis.Client
}

func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisCache{conn: client}, nil
}

// Claim sets key with SETNX so that concurrent claims across instances race in Redis.
func (rc *RedisCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	ok, err := rc.conn.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %q: %w", key, err)
	}
	return ok, nil
}

func (rc *RedisCache) Close() error {
	return rc.conn.Close()
}

// MemoryCache is a single-process Cache.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (mc *MemoryCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	// Add fails when the key exists and has not expired.
	if err := mc.c.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}
