package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/redis"
)

func newLeases(t *testing.T) (*miniredis.Miniredis, string, *RedisLock, *RedisLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	key := client.LockKey("cron-worker:test")
	first, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	return mr, key, first, second
}

func TestRedisLockIsExclusiveUntilReleased(t *testing.T) {
	mr, key, first, second := newLeases(t)
	ctx := context.Background()

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, second.Release(ctx))
	assert.True(t, mr.Exists(key))

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExtendKeepsLeadership(t *testing.T) {
	mr, key, first, second := newLeases(t)
	ctx := context.Background()

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(50 * time.Second)
	ok, err = first.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists(key))

	ok, err = second.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockExtendFailsAfterTakeover(t *testing.T) {
	mr, _, first, second := newLeases(t)
	ctx := context.Background()

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = first.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, first.Release(ctx))
	ok, err = second.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
