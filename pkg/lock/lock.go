// Package lock implements refresh deduplication: an expiring lock table
// keyed by refresh key, plus backoff windows set after upstream rate-limit
// signals. Acquisition is a single atomic check-and-insert; concurrent
// callers for the same key get exactly one winner.
//
// Two backends exist: an in-process table for single-instance deployments
// and a Redis table (native TTL) for multi-instance ones. Callers only see
// the Manager interface.
package lock

import (
	"context"
	"time"
)

// GlobalBackoffKey is the reserved key whose backoff suppresses acquisition
// for every key.
const GlobalBackoffKey = "__global__"

// DefaultTTL bounds how long an unreleased lock can block a key. TTL expiry
// is the only recovery path for a crashed holder; there is no cancel API.
const DefaultTTL = 5 * time.Minute

// Entry describes one in-flight refresh.
type Entry struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BackoffEntry describes one active backoff window.
type BackoffEntry struct {
	Key    string    `json:"key"`
	Until  time.Time `json:"until"`
	Global bool      `json:"global"`
}

// Status is a point-in-time view of the lock table for inspection endpoints.
type Status struct {
	Locks    []Entry        `json:"locks"`
	Backoffs []BackoffEntry `json:"backoffs"`
}

// Manager is the lock/backoff table.
type Manager interface {
	// TryAcquire attempts to take the refresh lock for key. It fails
	// (ok=false) when a global backoff is active, a key backoff is
	// active, or an unexpired lock already exists. On success it returns
	// a freshly generated unguessable owner token.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (owner string, ok bool, err error)

	// Release removes the lock for key only if owner matches the current
	// holder. A forged or stale token returns false without mutating
	// anything.
	Release(ctx context.Context, key, owner string) (bool, error)

	// ForceRelease unconditionally removes the lock for key. Reserved for
	// administrative invalidation, not the refresh happy path.
	ForceRelease(ctx context.Context, key string) error

	// SetBackoff suppresses acquisition for key (or for every key when
	// global is true) for the given duration.
	SetBackoff(ctx context.Context, key string, d time.Duration, global bool) error

	// IsRefreshing reports whether an unexpired lock exists for key.
	IsRefreshing(ctx context.Context, key string) (bool, error)

	// RefreshAge returns how long the current refresh for key has been
	// running. ok is false when no refresh is in flight.
	RefreshAge(ctx context.Context, key string) (age time.Duration, ok bool, err error)

	// Status lists all unexpired locks and active backoffs.
	Status(ctx context.Context) (Status, error)
}
