package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLivenessCache_EmptyURLReturnsInProcess(t *testing.T) {
	cache, err := NewLivenessCache("", time.Minute)
	require.NoError(t, err)
	_, ok := cache.(*inProcessLivenessCache)
	assert.True(t, ok)
}

func TestInProcessLivenessCache_SetGet(t *testing.T) {
	cache := newInProcessLivenessCache(time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, ok := cache.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "general", now))
	got, ok := cache.Get(ctx, "general")
	require.True(t, ok)
	assert.WithinDuration(t, now, got, time.Millisecond)
}

func TestInProcessLivenessCache_ExpiresEntries(t *testing.T) {
	cache := newInProcessLivenessCache(time.Millisecond)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "general", time.Now()))
	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get(ctx, "general")
	assert.False(t, ok)
}

func TestRedisLivenessCache_SetGet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache, err := NewLivenessCache("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	defer cache.(*redisLivenessCache).Close()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, cache.Set(ctx, "general", now))

	got, ok := cache.Get(ctx, "general")
	require.True(t, ok)
	assert.WithinDuration(t, now, got, time.Millisecond)
}

func TestRegistry_CachedLiveness(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache, err := NewLivenessCache("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	defer cache.(*redisLivenessCache).Close()

	reg := (&Registry{policy: DefaultLivenessPolicy}).WithCache(cache)
	ctx := context.Background()

	_, ok := reg.CachedLiveness(ctx, "general", time.Now())
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, cache.Set(ctx, "general", now))
	live, ok := reg.CachedLiveness(ctx, "general", now)
	require.True(t, ok)
	assert.Equal(t, "online", string(live))
}
