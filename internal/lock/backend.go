// Package lock implements advisory per-entity edit locks: the storage
// backends used by the server and the client-side Coordinator that grants
// locks optimistically and confirms them against a backend.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/starford/tessera/internal/models"
)

// DefaultTTL bounds how long a lock survives without being released.
const DefaultTTL = 2 * time.Minute

// Backend stores the authoritative lock table.
type Backend interface {
	// Acquire grants l unless another holder has a live lock on the same
	// entity, in which case granted is false and holder describes it.
	// Re-acquiring one's own lock refreshes its expiry.
	Acquire(ctx context.Context, l models.Lock, ttl time.Duration) (granted bool, holder models.Lock, err error)
	// Release drops the lock if holderID owns it and reports whether it did.
	Release(ctx context.Context, entityID, holderID string) (bool, error)
	// Holder returns the live lock on entityID, if any.
	Holder(ctx context.Context, entityID string) (models.Lock, bool, error)
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]models.Lock
	now   func() time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: map[string]models.Lock{}, now: time.Now}
}

func (m *MemoryBackend) Acquire(_ context.Context, l models.Lock, ttl time.Duration) (bool, models.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[l.EntityID]; ok && !cur.Expired(now) && cur.HolderID != l.HolderID {
		return false, cur, nil
	}
	l = stamp(l, now, ttl)
	m.locks[l.EntityID] = l
	return true, l, nil
}

func (m *MemoryBackend) Release(_ context.Context, entityID, holderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[entityID]
	if !ok || cur.HolderID != holderID {
		return false, nil
	}
	delete(m.locks, entityID)
	return !cur.Expired(m.now()), nil
}

func (m *MemoryBackend) Holder(_ context.Context, entityID string) (models.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[entityID]
	if !ok {
		return models.Lock{}, false, nil
	}
	if cur.Expired(m.now()) {
		delete(m.locks, entityID)
		return models.Lock{}, false, nil
	}
	return cur, true, nil
}

func stamp(l models.Lock, now time.Time, ttl time.Duration) models.Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if l.AcquiredAt.IsZero() {
		l.AcquiredAt = now.UTC()
	}
	l.ExpiresAt = now.Add(ttl).UTC()
	return l
}
