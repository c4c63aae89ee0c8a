// Package freshness classifies cached metrics data by age since last sync.
// Classification is a pure function of the clock, the oldest sync timestamp
// touched by a query, and the configured thresholds.
package freshness

import (
	"time"
)

// State is the usability classification of cached data.
type State string

const (
	// StateMissing means no rows exist for the query.
	StateMissing State = "MISSING"

	// StateFresh means the data is recent enough to serve as-is.
	StateFresh State = "FRESH"

	// StateStale means the data is servable but should be refreshed.
	StateStale State = "STALE"

	// StateExpired means the data is too old to serve.
	StateExpired State = "EXPIRED"
)

// Thresholds holds the age boundaries for one entity type.
// These are independent of the long-term retention windows used for
// cleanup; the two sets of durations are configured separately.
type Thresholds struct {
	// Fresh is the age below which data is FRESH.
	Fresh time.Duration

	// Stale is the age below which data is STALE (and at or above
	// which it is EXPIRED).
	Stale time.Duration
}

// DefaultThresholds returns the shared default boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Fresh: 5 * time.Minute,
		Stale: 24 * time.Hour,
	}
}

// Result is the outcome of a classification.
type Result struct {
	State State

	// Age is the time elapsed since the oldest sync touched by the
	// query. Zero when State is MISSING.
	Age time.Duration
}

// Classify determines the freshness state for a query.
// oldestSyncedAt is the oldest syncedAt across the rows the query touched;
// it is ignored when rowCount is zero.
//
// Boundaries are half-open: age == Fresh classifies as STALE, and
// age == Stale classifies as EXPIRED.
func Classify(now time.Time, oldestSyncedAt time.Time, rowCount int, th Thresholds) Result {
	if rowCount == 0 {
		return Result{State: StateMissing}
	}

	age := now.Sub(oldestSyncedAt)
	if age < 0 {
		age = 0
	}

	switch {
	case age < th.Fresh:
		return Result{State: StateFresh, Age: age}
	case age < th.Stale:
		return Result{State: StateStale, Age: age}
	default:
		return Result{State: StateExpired, Age: age}
	}
}

// Servable reports whether cached data in this state may be returned
// to a caller without a blocking fetch.
func (s State) Servable() bool {
	return s == StateFresh || s == StateStale
}
