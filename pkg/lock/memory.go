package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admetric/reportcache/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryManager is the in-process lock table. All state lives behind one
// mutex; every check-then-act sequence happens inside it, which is what
// makes concurrent TryAcquire calls yield exactly one winner.
type MemoryManager struct {
	mu       sync.Mutex
	locks    map[string]Entry
	backoffs map[string]BackoffEntry
	logger   zerolog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewMemoryManager creates an empty in-process lock table.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks:    make(map[string]Entry),
		backoffs: make(map[string]BackoffEntry),
		logger:   logging.NewLogger("lock"),
		now:      time.Now,
	}
}

// sweep removes expired locks and backoffs. Callers must hold mu. Passive
// expiry here is what lets the next TryAcquire succeed after a crashed
// holder's TTL elapses.
func (m *MemoryManager) sweep(now time.Time) {
	for key, entry := range m.locks {
		if !entry.ExpiresAt.After(now) {
			delete(m.locks, key)
		}
	}
	for key, b := range m.backoffs {
		if !b.Until.After(now) {
			delete(m.backoffs, key)
		}
	}
}

// TryAcquire implements Manager.
func (m *MemoryManager) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	if _, ok := m.backoffs[GlobalBackoffKey]; ok {
		Acquisitions.WithLabelValues("backoff").Inc()
		return "", false, nil
	}
	if _, ok := m.backoffs[key]; ok {
		Acquisitions.WithLabelValues("backoff").Inc()
		return "", false, nil
	}
	if _, ok := m.locks[key]; ok {
		Acquisitions.WithLabelValues("held").Inc()
		return "", false, nil
	}

	owner := uuid.NewString()
	m.locks[key] = Entry{
		Key:       key,
		Owner:     owner,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	Acquisitions.WithLabelValues("acquired").Inc()
	m.logger.Debug().
		Str("lock_key", key).
		Dur("ttl", ttl).
		Msg("Lock acquired")

	return owner, true, nil
}

// Release implements Manager.
func (m *MemoryManager) Release(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.now())

	entry, ok := m.locks[key]
	if !ok || entry.Owner != owner {
		return false, nil
	}

	delete(m.locks, key)
	m.logger.Debug().Str("lock_key", key).Msg("Lock released")
	return true, nil
}

// ForceRelease implements Manager.
func (m *MemoryManager) ForceRelease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.locks[key]; ok {
		delete(m.locks, key)
		ForcedReleases.Inc()
		m.logger.Warn().Str("lock_key", key).Msg("Lock force released")
	}
	return nil
}

// SetBackoff implements Manager.
func (m *MemoryManager) SetBackoff(_ context.Context, key string, d time.Duration, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if global {
		key = GlobalBackoffKey
	}
	m.backoffs[key] = BackoffEntry{
		Key:    key,
		Until:  m.now().Add(d),
		Global: global,
	}

	scope := "key"
	if global {
		scope = "global"
	}
	BackoffsSet.WithLabelValues(scope).Inc()
	m.logger.Info().
		Str("lock_key", key).
		Dur("backoff", d).
		Bool("global", global).
		Msg("Backoff window set")

	return nil
}

// IsRefreshing implements Manager.
func (m *MemoryManager) IsRefreshing(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.now())
	_, ok := m.locks[key]
	return ok, nil
}

// RefreshAge implements Manager.
func (m *MemoryManager) RefreshAge(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	entry, ok := m.locks[key]
	if !ok {
		return 0, false, nil
	}
	return now.Sub(entry.StartedAt), true, nil
}

// Status implements Manager.
func (m *MemoryManager) Status(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.now())

	status := Status{}
	for _, entry := range m.locks {
		status.Locks = append(status.Locks, entry)
	}
	for _, b := range m.backoffs {
		status.Backoffs = append(status.Backoffs, b)
	}

	sort.Slice(status.Locks, func(i, j int) bool { return status.Locks[i].Key < status.Locks[j].Key })
	sort.Slice(status.Backoffs, func(i, j int) bool { return status.Backoffs[i].Key < status.Backoffs[j].Key })

	return status, nil
}
