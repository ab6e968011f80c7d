package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker takes locks shared by every process on one Redis, using
// SET NX with a per-holder token. Held locks are extended every ttl/3 so
// ttl only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	rdb       redis.UniversalClient
	logger    ectologger.Logger
	keyPrefix string
}

// NewRedisLocker creates a new RedisLocker
func NewRedisLocker(rdb redis.UniversalClient, logger ectologger.Logger, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "clover:lock:"
	}
	return &RedisLocker{rdb: rdb, logger: logger, keyPrefix: keyPrefix}
}

type redisLock struct {
	locker *RedisLocker
	key    string
	value  string

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	lost     atomic.Bool
}

// Acquire implements Locker, polling with capped backoff until timeout
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()
	deadline := time.Now().Add(timeout)
	wait := 10 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			l.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
			lock := &redisLock{locker: l, key: lockKey, value: lockValue}
			if ttl > 0 {
				lock.stop = make(chan struct{})
				lock.done = make(chan struct{})
				go lock.keepAlive(context.WithoutCancel(ctx), ttl)
			}
			return lock, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(wait, remaining)):
			wait = min(wait*2, 250*time.Millisecond)
		}
	}
}

// keepAlive pushes the expiry forward until Release. It stops early once the
// key no longer carries this holder's token.
func (lock *redisLock) keepAlive(ctx context.Context, ttl time.Duration) {
	defer close(lock.done)
	interval := max(ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.stop:
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, interval)
		n, err := extendScript.Run(extendCtx, lock.locker.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			lock.locker.logger.WithContext(ctx).WithError(err).Warnf("Failed to extend lock: %s", lock.key)
			continue
		}
		if n == 0 {
			lock.lost.Store(true)
			lock.locker.logger.WithContext(ctx).Warnf("Lock expired while held: %s", lock.key)
			return
		}
	}
}

// Release implements Lock. Only the token holder can delete the key.
func (lock *redisLock) Release(ctx context.Context) error {
	if lock.stop != nil {
		lock.stopOnce.Do(func() { close(lock.stop) })
		<-lock.done
	}

	result, err := releaseScript.Run(ctx, lock.locker.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 || lock.lost.Load() {
		return ErrLockNotHeld
	}

	lock.locker.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}
