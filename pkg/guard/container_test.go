package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/containertest"
	"github.com/Ramsey-B/clover/pkg/database"
)

func openLockPool(t *testing.T, dsn string, maxConns int) *sqlx.DB {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db, err := database.OpenDSN(context.Background(), dsn, database.Config{MaxOpenConns: maxConns}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresLocker_Contention(t *testing.T) {
	dsn := containertest.PostgresDSN(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	// two pools stand in for two processes
	first := NewPostgresLocker(openLockPool(t, dsn, 2), logger)
	second := NewPostgresLocker(openLockPool(t, dsn, 2), logger)
	ctx := context.Background()
	key := Hash("microchip:985100000000001")

	held, err := first.Acquire(ctx, key, 0, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = second.Acquire(ctx, key, 0, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// a waiter gets the lock once it is released
	acquired := make(chan Lock, 1)
	go func() {
		l, err := second.Acquire(ctx, key, 0, 5*time.Second)
		if assert.NoError(t, err) {
			acquired <- l
		}
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, held.Release(ctx))

	select {
	case l := <-acquired:
		require.NoError(t, l.Release(ctx))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestPostgresLocker_PoolExhaustedContainer(t *testing.T) {
	dsn := containertest.PostgresDSN(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	locker := NewPostgresLocker(openLockPool(t, dsn, 1), logger)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, Hash("subject:a"), 0, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = locker.Acquire(ctx, Hash("subject:b"), 0, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, held.Release(ctx))
}

func TestPostgresLocker_GuardSerializes(t *testing.T) {
	dsn := containertest.PostgresDSN(t)
	g := newGuard(NewPostgresLocker(openLockPool(t, dsn, 8), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})))
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithLock(ctx, []string{"phone:5035550100"}, func(context.Context) error {
				mu.Lock()
				active++
				maxActive = max(maxActive, active)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func newContainerRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: containertest.RedisAddr(t)})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisLocker_ContentionContainer(t *testing.T) {
	rdb := newContainerRedis(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	first := NewRedisLocker(rdb, logger, "contention:")
	second := NewRedisLocker(rdb, logger, "contention:")
	ctx := context.Background()
	key := Hash("email:ann@example.com")

	held, err := first.Acquire(ctx, key, 300*time.Millisecond, time.Second)
	require.NoError(t, err)

	// held past several ttls: the holder keeps extending it
	start := time.Now()
	_, err = second.Acquire(ctx, key, 300*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	require.NoError(t, held.Release(ctx))
	again, err := second.Acquire(ctx, key, 300*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_CrashedHolderExpires(t *testing.T) {
	rdb := newContainerRedis(t)
	locker := NewRedisLocker(rdb, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), "crashed:")
	ctx := context.Background()
	key := Hash("subject:gone")

	// a holder that died without releasing
	require.NoError(t, rdb.Set(ctx, "crashed:"+key, "dead-holder", 200*time.Millisecond).Err())

	l, err := locker.Acquire(ctx, key, time.Second, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}
