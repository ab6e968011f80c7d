package guard

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewRedisLocker(rdb, logger, "test:lock:"), m
}

func TestRedisLocker_Contention(t *testing.T) {
	locker, _ := newMiniredisLocker(t)
	ctx := context.Background()
	key := Hash("phone:5035550100")

	held, err := locker.Acquire(ctx, key, time.Second, time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, time.Second, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, held.Release(ctx))

	again, err := locker.Acquire(ctx, key, time.Second, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	locker, m := newMiniredisLocker(t)
	ctx := context.Background()
	key := Hash("subject:a")
	ttl := 300 * time.Millisecond

	held, err := locker.Acquire(ctx, key, ttl, time.Second)
	require.NoError(t, err)

	m.FastForward(250 * time.Millisecond)
	require.Less(t, m.TTL("test:lock:"+key), 100*time.Millisecond)

	// the holder pushes the expiry back to ttl on its next tick
	assert.Eventually(t, func() bool {
		return m.TTL("test:lock:"+key) > 100*time.Millisecond
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, held.Release(ctx))
	assert.False(t, m.Exists("test:lock:"+key))
}

func TestRedisLocker_TakenOver(t *testing.T) {
	locker, m := newMiniredisLocker(t)
	ctx := context.Background()
	key := Hash("subject:b")

	held, err := locker.Acquire(ctx, key, 150*time.Millisecond, time.Second)
	require.NoError(t, err)

	// another holder got the key after an expiry
	require.NoError(t, m.Set("test:lock:"+key, "someone-else"))
	time.Sleep(120 * time.Millisecond)

	assert.ErrorIs(t, held.Release(ctx), ErrLockNotHeld)
	got, err := m.Get("test:lock:" + key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ThroughGuard(t *testing.T) {
	locker, m := newMiniredisLocker(t)
	g := newGuard(locker, fastTimeouts)
	ctx := context.Background()

	err := g.WithLock(ctx, []string{"subject:a", "phone:5035550100"}, func(ctx context.Context) error {
		assert.Len(t, m.Keys(), 2)
		return g.WithLock(ctx, []string{"subject:a"}, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.Empty(t, m.Keys())
}
