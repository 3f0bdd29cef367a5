package memorycache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvmapd/kvmapd/internal/cache"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(time.Minute, "kv:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	c := New(time.Minute, "kv:")
	_, err := c.Get(context.Background(), "missing")
	require.True(t, cache.IsNotFound(err))
}

func TestDeleteRemovesKey(t *testing.T) {
	c := New(time.Minute, "kv:")
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Delete(ctx, "a"))

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := New(time.Minute, "kv:")
	ctx := context.Background()
	_, _ = c.Get(ctx, "missing")
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	_, _ = c.Get(ctx, "a")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}
