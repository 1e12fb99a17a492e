package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestLockExclusive(t *testing.T) {
	_, rdb := setupTestRedis(t)
	a, b := Wrap(rdb), Wrap(rdb)
	ctx := context.Background()
	require.NotEqual(t, a.OwnerID(), b.OwnerID())

	ok, err := a.Acquire(ctx, "retention-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "retention-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// b cannot release a's lock
	require.NoError(t, b.Release(ctx, "retention-sweep"))
	ok, err = b.Acquire(ctx, "retention-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "retention-sweep"))
	ok, err = b.Acquire(ctx, "retention-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	a, b := Wrap(rdb), Wrap(rdb)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "retention-sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = b.Acquire(ctx, "retention-sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtend(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	a, b := Wrap(rdb), Wrap(rdb)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "retention-sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, "retention-sweep", time.Minute))
	assert.Error(t, b.Extend(ctx, "retention-sweep", time.Minute))

	mr.FastForward(10 * time.Second)
	ok, err = b.Acquire(ctx, "retention-sweep", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
