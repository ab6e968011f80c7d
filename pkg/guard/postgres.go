package guard

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

const advisoryPollInterval = 20 * time.Millisecond

// PostgresLocker uses session advisory locks. Each held lock pins one pooled
// connection until released; Postgres frees it if the session dies. Give it
// its own pool so held locks cannot starve the queries run under them.
type PostgresLocker struct {
	db     *sqlx.DB
	logger ectologger.Logger
}

// NewPostgresLocker creates a new PostgresLocker
func NewPostgresLocker(db *sqlx.DB, logger ectologger.Logger) *PostgresLocker {
	return &PostgresLocker{db: db, logger: logger}
}

type advisoryLock struct {
	conn *sqlx.Conn
	id   int64
}

// AdvisoryID folds a hashed key into the bigint advisory lock space
func AdvisoryID(key string) int64 {
	b, err := hex.DecodeString(key)
	if err != nil || len(b) < 8 {
		b, _ = hex.DecodeString(Hash(key))
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// Acquire implements Locker. ttl is not used; the lock lives as long as the
// session. Waiting for a free connection counts against timeout.
func (l *PostgresLocker) Acquire(ctx context.Context, key string, _ time.Duration, timeout time.Duration) (Lock, error) {
	deadline := time.Now().Add(timeout)

	connCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := l.db.Connx(connCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			l.logger.WithContext(ctx).Debug("No connection free for advisory lock")
			return nil, ErrLockNotAcquired
		}
		return nil, err
	}

	id := AdvisoryID(key)
	for {
		var ok bool
		if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
			conn.Close()
			return nil, err
		}
		if ok {
			l.logger.WithContext(ctx).Debugf("Acquired advisory lock %d", id)
			return &advisoryLock{conn: conn, id: id}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			conn.Close()
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(min(advisoryPollInterval, remaining)):
		}
	}
}

// Release implements Lock
func (a *advisoryLock) Release(ctx context.Context) error {
	defer a.conn.Close()
	var released bool
	if err := a.conn.QueryRowxContext(ctx, "SELECT pg_advisory_unlock($1)", a.id).Scan(&released); err != nil {
		return err
	}
	if !released {
		return ErrLockNotHeld
	}
	return nil
}
