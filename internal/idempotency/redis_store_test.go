package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreLifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := testRecord("addr", time.Now())
	require.NoError(t, store.Save(ctx, "key", rec))
	assert.True(t, mr.Exists(redisKeyPrefix+"key"))

	got, err = store.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.TxID, got.TxID)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)

	mr.FastForward(2 * time.Hour)
	got, err = store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreSkipsExpiredRecords(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Save(context.Background(), "old", testRecord("addr", time.Now().Add(-2*time.Hour))))
	assert.False(t, mr.Exists(redisKeyPrefix+"old"))
}

func TestRedisStoreRejectsEmptyURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "")
	require.Error(t, err)
}

func TestRedisStorePing(t *testing.T) {
	store, _ := newRedisStore(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestRedisStoreReserve(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(redisLockPrefix+"k"))

	ok, err = store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = store.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "k"))
	assert.False(t, mr.Exists(redisLockPrefix+"k"))
}
