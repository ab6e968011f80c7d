package guard

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker is a process-local keyed mutex table. Entries live only while
// someone holds or waits for them.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryLocker creates an empty locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	once   sync.Once
}

// Acquire implements Locker. ttl is ignored; a process-local holder cannot
// outlive the process.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration, timeout time.Duration) (Lock, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return &memoryLock{locker: m, key: key}, nil
	case <-timer.C:
		m.unref(key)
		return nil, ErrLockNotAcquired
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}
}

func (m *MemoryLocker) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Release implements Lock
func (l *memoryLock) Release(_ context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		e := l.locker.entries[l.key]
		l.locker.mu.Unlock()
		<-e.sem
		l.locker.unref(l.key)
	})
	return nil
}

// Held returns the number of keys currently held or awaited
func (m *MemoryLocker) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
