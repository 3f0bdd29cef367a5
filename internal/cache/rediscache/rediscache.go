// Package rediscache implements cache.Client over redis/go-redis/v9, for
// distributed read-through caching of weaker-consistency map queries
// across the gateway tier (SPEC_FULL.md §2.1).
package rediscache

import (
	"context"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/kvmapd/kvmapd/internal/cache"
)

type Redis struct {
	c      *rdb.Client
	prefix string
}

// New dials a Redis instance at addr/db for use as a cache.Client backend.
func New(addr, password string, db int, prefix string) *Redis {
	return &Redis{
		c:      rdb.NewClient(&rdb.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.c.Get(ctx, r.key(key)).Bytes()
	if err == rdb.Nil {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: get: %w", err)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("rediscache: delete: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.c.Close() }

func (r *Redis) Stats(ctx context.Context) (cache.Stats, error) {
	info, err := r.c.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return cache.Stats{}, fmt.Errorf("rediscache: info: %w", err)
	}
	return cache.Stats{Driver: "redis", UsedMemory: info}, nil
}
