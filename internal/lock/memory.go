package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	value     string
	expiresAt time.Time
}

// MemoryLocker is a single-process Locker. Expired leases are treated as
// absent on access, so no sweeper goroutine is needed.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

// live returns the lease for key if it has not expired. Caller holds mu.
func (m *MemoryLocker) live(key string) (lease, bool) {
	l, ok := m.leases[key]
	if !ok {
		return lease{}, false
	}
	if !m.now().Before(l.expiresAt) {
		delete(m.leases, key)
		return lease{}, false
	}
	return l, true
}

func (m *MemoryLocker) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(key); held {
		return false, nil
	}
	m.leases[key] = lease{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}

func (m *MemoryLocker) ReleaseIfHeld(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.live(key)
	if !held || l.value != value {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}

func (m *MemoryLocker) Peek(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.live(key)
	return l.value, held, nil
}
