// Package guard serializes work on natural keys. It is the only place
// concurrent ingestion, sync and manual merges wait on each other.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ErrLockNotAcquired is returned by a Locker when the timeout elapses first
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires exclusive locks on hashed keys
type Locker interface {
	// Acquire waits up to timeout for key. ttl bounds how long a crashed
	// holder can keep it, where the backend supports expiry.
	Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)
}

// Natural key prefixes
const (
	KeySubject = "subject"
)

// Key builds a natural key such as subject:<id> or phone:<value>
func Key(kind, value string) string {
	return kind + ":" + value
}

// Hash returns the hex SHA-256 of a natural key
func Hash(naturalKey string) string {
	sum := sha256.Sum256([]byte(naturalKey))
	return hex.EncodeToString(sum[:])
}

type heldKey struct{}

// Guard runs functions while holding every lock they need. Locks are taken in
// hash order so two callers can never wait on each other in a cycle, and are
// always released when the function returns.
type Guard struct {
	logger ectologger.Logger
	locker Locker
	params params.Provider
}

// New creates a guard over a locker
func New(logger ectologger.Logger, locker Locker, provider params.Provider) *Guard {
	return &Guard{logger: logger, locker: locker, params: provider}
}

// WithLock holds the natural keys for the duration of fn. Keys already held
// by an enclosing WithLock on the same context are not taken again. Lock
// timeouts are retried with jittered exponential backoff; when attempts run
// out a LockTimeoutError is returned and fn never runs.
func (g *Guard) WithLock(ctx context.Context, naturalKeys []string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "guard.Guard.WithLock")
	defer span.End()

	held, _ := ctx.Value(heldKey{}).(map[string]bool)
	hashes := make(map[string]string, len(naturalKeys))
	for _, k := range naturalKeys {
		h := Hash(k)
		if held[h] {
			continue
		}
		hashes[h] = k
	}
	if len(hashes) == 0 {
		return fn(ctx)
	}

	ordered := make([]string, 0, len(hashes))
	for h := range hashes {
		ordered = append(ordered, h)
	}
	sort.Strings(ordered)

	cfg := g.params.Current().Guard
	log := g.logger.WithContext(ctx).WithField("keys", len(ordered))

	start := time.Now()
	var locks []Lock
	var failedKey string
	for attempt := 1; ; attempt++ {
		var err error
		locks, failedKey, err = g.acquireAll(ctx, ordered, cfg)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			log.WithFields(map[string]any{
				"key":      hashes[failedKey],
				"attempts": attempt,
			}).Warn("Gave up waiting for lock")
			metrics.LockTimeouts.Inc()
			return clerrors.NewLockTimeoutError(hashes[failedKey], attempt)
		}

		wait := backoff(cfg, attempt)
		log.WithFields(map[string]any{
			"key":     hashes[failedKey],
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).Debug("Lock busy, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	metrics.RecordLockWait(time.Since(start))

	defer func() {
		releaseAll(context.WithoutCancel(ctx), locks, log)
	}()

	inner := make(map[string]bool, len(held)+len(ordered))
	for h := range held {
		inner[h] = true
	}
	for _, h := range ordered {
		inner[h] = true
	}
	return fn(context.WithValue(ctx, heldKey{}, inner))
}

// acquireAll takes every key in order. On failure the locks already taken are
// released and the failing key is returned.
func (g *Guard) acquireAll(ctx context.Context, ordered []string, cfg params.Guard) ([]Lock, string, error) {
	locks := make([]Lock, 0, len(ordered))
	for _, h := range ordered {
		l, err := g.locker.Acquire(ctx, h, cfg.LockTTL, cfg.LockTimeout)
		if err != nil {
			releaseAll(context.WithoutCancel(ctx), locks, g.logger.WithContext(ctx))
			return nil, h, err
		}
		locks = append(locks, l)
	}
	return locks, "", nil
}

func releaseAll(ctx context.Context, locks []Lock, log ectologger.Logger) {
	for i := len(locks) - 1; i >= 0; i-- {
		if err := locks[i].Release(ctx); err != nil {
			log.WithError(err).Warn("Failed to release lock")
		}
	}
}

// backoff returns base*2^(attempt-1) capped at max, with full jitter over the
// upper half.
func backoff(cfg params.Guard, attempt int) time.Duration {
	d := cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
