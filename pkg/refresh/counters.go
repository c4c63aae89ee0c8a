package refresh

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the cache counters.
var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_cache_hits_total",
			Help: "Total cache hits by freshness state",
		},
		[]string{"state"}, // "FRESH", "STALE"
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportcache_cache_misses_total",
			Help: "Total cache misses (EXPIRED or MISSING)",
		},
	)

	staleRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportcache_stale_refreshes_total",
			Help: "Total background refreshes triggered by stale hits",
		},
	)

	lockContentions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportcache_lock_contentions_total",
			Help: "Total stale refreshes skipped because another caller holds the lock",
		},
	)
)

// Counters is the process-wide cache counter set. It exists alongside the
// Prometheus collectors because tests and the inspection endpoint need exact
// readable values, which the Prometheus API does not expose cheaply.
// Created at process start; Reset is for tests only.
type Counters struct {
	hits                    atomic.Uint64
	misses                  atomic.Uint64
	staleRefreshes          atomic.Uint64
	lockContentions         atomic.Uint64
	throttleEvents          atomic.Uint64
	backgroundRefreshes     atomic.Uint64
	backgroundRefreshErrors atomic.Uint64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Hits                    uint64 `json:"hits"`
	Misses                  uint64 `json:"misses"`
	StaleRefreshes          uint64 `json:"stale_refreshes"`
	LockContentions         uint64 `json:"lock_contentions"`
	ThrottleEvents          uint64 `json:"throttle_events"`
	BackgroundRefreshes     uint64 `json:"background_refreshes"`
	BackgroundRefreshErrors uint64 `json:"background_refresh_errors"`
}

// Snapshot returns a consistent-enough copy for observability callers.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Hits:                    c.hits.Load(),
		Misses:                  c.misses.Load(),
		StaleRefreshes:          c.staleRefreshes.Load(),
		LockContentions:         c.lockContentions.Load(),
		ThrottleEvents:          c.throttleEvents.Load(),
		BackgroundRefreshes:     c.backgroundRefreshes.Load(),
		BackgroundRefreshErrors: c.backgroundRefreshErrors.Load(),
	}
}

// Reset zeroes all counters. Tests only.
func (c *Counters) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.staleRefreshes.Store(0)
	c.lockContentions.Store(0)
	c.throttleEvents.Store(0)
	c.backgroundRefreshes.Store(0)
	c.backgroundRefreshErrors.Store(0)
}

// IncBackgroundRefreshError is called by the worker on terminal job failure.
func (c *Counters) IncBackgroundRefreshError() {
	c.backgroundRefreshErrors.Add(1)
}
