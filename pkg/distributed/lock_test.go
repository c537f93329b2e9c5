package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLock_ExcludesOtherHolders(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := "rillcall:test:lock:" + uuid.New().String()

	first := NewLock(client, key, time.Second)
	second := NewLock(client, key, time.Second)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, second.Acquire(ctx, 200*time.Millisecond), ErrLockTimeout)
	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx, time.Second))
	require.NoError(t, second.Release(ctx))
}

func TestLock_KeepAliveOutlivesTTL(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := "rillcall:test:lock:" + uuid.New().String()

	lock := NewLock(client, key, 300*time.Millisecond)
	require.NoError(t, lock.Acquire(ctx, time.Second))

	time.Sleep(time.Second)
	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	require.NoError(t, lock.Release(ctx))
}
