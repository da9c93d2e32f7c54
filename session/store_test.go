package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, opts ...StoreOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, opts...)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func sampleCall() *Call {
	return &Call{
		ConnectionID:  "conn-1",
		CallControlID: "v3:abc",
		ClientState:   "state",
		CallSessionID: "sess-1",
		CallLegID:     "leg-1",
		To:            "+15550001",
		From:          "+15550002",
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRedisStore_SaveLoadClear(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	call, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, call)

	require.NoError(t, store.Save(ctx, sampleCall()))
	assert.True(t, mr.Exists(DefaultStoreKey))

	raw, err := mr.Get(DefaultStoreKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"call_control_id":"v3:abc"`)
	assert.Contains(t, raw, `"call_leg_id":"leg-1"`)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sampleCall(), loaded)

	require.NoError(t, store.Clear(ctx))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(time.Minute), WithKey("test:call"))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCall()))
	assert.Equal(t, time.Minute, mr.TTL("test:call"))

	mr.FastForward(2 * time.Minute)
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := setupRedisStore(t)
	require.NoError(t, mr.Set(DefaultStoreKey, "not json"))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestMemoryStore_Copies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	call := sampleCall()
	require.NoError(t, store.Save(ctx, call))
	call.CallLegID = "changed"

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "leg-1", loaded.CallLegID)

	require.NoError(t, store.Clear(ctx))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestConnectStore(t *testing.T) {
	ctx := context.Background()

	t.Run("redis reachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store := ConnectStore(ctx, mr.Addr(), "")
		rs, ok := store.(*RedisStore)
		require.True(t, ok)
		rs.Close()
	})

	t.Run("redis url", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store := ConnectStore(ctx, "redis://"+mr.Addr()+"/0", "")
		rs, ok := store.(*RedisStore)
		require.True(t, ok)
		rs.Close()
	})

	t.Run("not configured", func(t *testing.T) {
		_, ok := ConnectStore(ctx, "", "").(*MemoryStore)
		assert.True(t, ok)
	})

	t.Run("unreachable falls back to memory", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, ok := ConnectStore(ctx, addr, "").(*MemoryStore)
		assert.True(t, ok)
	})
}
