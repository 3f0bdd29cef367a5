// Package memorycache implements cache.Client over patrickmn/go-cache, for
// single-node development and for replicas that don't want the
// operational cost of Redis.
package memorycache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kvmapd/kvmapd/internal/cache"
)

type Memory struct {
	c      *gocache.Cache
	prefix string
	hits   int64
	misses int64
}

// New returns an in-process cache.Client with defaultTTL applied to
// entries written without an explicit ttl.
func New(defaultTTL time.Duration, prefix string) *Memory {
	return &Memory{c: gocache.New(defaultTTL, time.Minute), prefix: prefix}
}

func (m *Memory) key(k string) string { return m.prefix + k }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(m.key(key))
	if !ok {
		m.misses++
		return nil, cache.ErrNotFound
	}
	m.hits++
	b, _ := v.([]byte)
	return b, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(m.key(key), value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(m.key(key))
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.c.Get(m.key(key))
	return ok, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Stats(_ context.Context) (cache.Stats, error) {
	return cache.Stats{
		Driver: "memory",
		Keys:   int64(m.c.ItemCount()),
		Hits:   m.hits,
		Misses: m.misses,
	}, nil
}
