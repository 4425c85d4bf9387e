package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLeaseLost is returned when a driver lease expired or was taken over
// before its holder renewed or released it.
var ErrLeaseLost = errors.New("driver lease lost")

// Lease is held by the one driver of a ticket across processes.
type Lease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Leaser grants driver leases without waiting. TryLease reports false when
// another holder has the key.
type Leaser interface {
	TryLease(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

func driverKey(ticketID string) string { return "driver:" + ticketID }

// MemoryLocker implements Locker and Leaser for managers sharing one process,
// typically over a MemoryStore.
type MemoryLocker struct {
	mu    sync.Mutex
	next  uint64
	held  map[string]memoryHold
	now   func() time.Time
	sleep time.Duration
}

type memoryHold struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryHold),
		now:   time.Now,
		sleep: 5 * time.Millisecond,
	}
}

// Lock blocks until key is free or ctx ends.
func (l *MemoryLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	for {
		lease, ok := l.take(key, ttl)
		if ok {
			return lease.Release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.sleep):
		}
	}
}

// TryLease takes key if it is free or expired.
func (l *MemoryLocker) TryLease(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	lease, ok := l.take(key, ttl)
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

func (l *MemoryLocker) take(key string, ttl time.Duration) (*memoryLease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false
	}
	l.next++
	l.held[key] = memoryHold{token: l.next, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: l.next}, true
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (m *memoryLease) Renew(_ context.Context, ttl time.Duration) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[m.key]
	if !ok || h.token != m.token || !l.now().Before(h.expires) {
		return ErrLeaseLost
	}
	h.expires = l.now().Add(ttl)
	l.held[m.key] = h
	return nil
}

func (m *memoryLease) Release(context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[m.key]
	if !ok || h.token != m.token {
		return ErrLeaseLost
	}
	delete(l.held, m.key)
	return nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Leaser = (*MemoryLocker)(nil)
)
