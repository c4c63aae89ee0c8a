// Package refresh ties the cache together: it classifies stored data by
// freshness, decides between serving the cache, serving it while refreshing
// in the background, and fetching on the caller's critical path, and drives
// the lock manager and fact store accordingly.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/fingerprint"
	"github.com/admetric/reportcache/pkg/freshness"
	"github.com/admetric/reportcache/pkg/lock"
	"github.com/admetric/reportcache/pkg/logging"
	"github.com/admetric/reportcache/pkg/throttle"
	"github.com/admetric/reportcache/pkg/upstream"
	"github.com/rs/zerolog"
)

var (
	// ErrThrottled means no usable cache exists and the blocking-fetch
	// path is in cooldown. User-visible as "try again shortly".
	ErrThrottled = errors.New("blocking fetch throttled: try again shortly")

	// ErrMissingDateRange means the query lacked a start or end date.
	ErrMissingDateRange = errors.New("start and end date are required")
)

// DefaultBackoff is the backoff window set when the upstream's rate-limit
// signal does not carry its own retry-after hint.
const DefaultBackoff = 120 * time.Second

// Config holds orchestrator tuning.
type Config struct {
	// Thresholds maps entity types to freshness boundaries; entity types
	// not listed use Defaults.
	Thresholds map[string]freshness.Thresholds
	Defaults   freshness.Thresholds

	// LockTTL bounds a background refresh lock.
	LockTTL time.Duration

	// FetchTimeout is the hard timeout for a blocking fetch.
	FetchTimeout time.Duration

	// Retry configures inline retries around blocking fetches.
	Retry upstream.RetryConfig
}

// DefaultConfig returns safe orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Defaults:     freshness.DefaultThresholds(),
		LockTTL:      lock.DefaultTTL,
		FetchTimeout: 30 * time.Second,
		Retry:        upstream.DefaultRetryConfig(),
	}
}

// Result is the answer to one cache query.
type Result struct {
	Data       map[string]*factstore.Aggregate `json:"data"`
	State      freshness.State                 `json:"state"`
	AgeSeconds float64                         `json:"age_seconds"`
	Refreshing bool                            `json:"refreshing"`
	Provenance factstore.Provenance            `json:"provenance"`
}

// Orchestrator implements the per-query freshness state machine.
type Orchestrator struct {
	store    *factstore.Store
	locks    lock.Manager
	throttle *throttle.Throttle
	queue    Queue
	fetcher  upstream.Fetcher
	config   Config
	counters *Counters
	logger   zerolog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time
}

// New creates an orchestrator. All collaborators are required except queue,
// which may be nil when background refreshes are disabled (stale hits then
// serve without triggering a refresh).
func New(store *factstore.Store, locks lock.Manager, thr *throttle.Throttle, queue Queue, fetcher upstream.Fetcher, counters *Counters, config Config) *Orchestrator {
	if store == nil {
		panic("fact store cannot be nil")
	}
	if locks == nil {
		panic("lock manager cannot be nil")
	}
	if thr == nil {
		panic("throttle cannot be nil")
	}
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if counters == nil {
		counters = NewCounters()
	}
	if config.Defaults == (freshness.Thresholds{}) {
		config.Defaults = freshness.DefaultThresholds()
	}
	if config.LockTTL <= 0 {
		config.LockTTL = lock.DefaultTTL
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}

	return &Orchestrator{
		store:    store,
		locks:    locks,
		throttle: thr,
		queue:    queue,
		fetcher:  fetcher,
		config:   config,
		counters: counters,
		logger:   logging.NewLogger("refresh"),
		now:      time.Now,
	}
}

// thresholdsFor returns the freshness boundaries for an entity type.
func (o *Orchestrator) thresholdsFor(entityType string) freshness.Thresholds {
	if th, ok := o.config.Thresholds[entityType]; ok {
		return th
	}
	return o.config.Defaults
}

// Query answers one metrics query, preferring any available cached data
// over a hard error. A user-facing failure is only possible when there is
// no cache and the blocking path is throttled, times out, or the upstream
// itself errors.
func (o *Orchestrator) Query(ctx context.Context, dims fingerprint.Dimensions) (*Result, error) {
	if dims.StartDate == "" || dims.EndDate == "" {
		return nil, ErrMissingDateRange
	}

	aggregates, prov, err := o.store.ReadAndAggregate(ctx, dims.CustomerID, dims.EntityType, dims.StartDate, dims.EndDate)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	cls := freshness.Classify(o.now(), prov.OldestSync, prov.RowCount, o.thresholdsFor(dims.EntityType))
	refreshKey := fingerprint.RefreshKey(dims)

	o.logger.Debug().
		Str("customer_id", dims.CustomerID).
		Str("entity_type", dims.EntityType).
		Str("cache_state", string(cls.State)).
		Dur("age", cls.Age).
		Int("row_count", prov.RowCount).
		Msg("Cache classified")

	switch cls.State {
	case freshness.StateFresh:
		o.counters.hits.Add(1)
		cacheHits.WithLabelValues(string(freshness.StateFresh)).Inc()
		return o.result(ctx, aggregates, prov, cls, refreshKey), nil

	case freshness.StateStale:
		o.counters.hits.Add(1)
		cacheHits.WithLabelValues(string(freshness.StateStale)).Inc()
		o.triggerBackgroundRefresh(ctx, refreshKey, dims)
		return o.result(ctx, aggregates, prov, cls, refreshKey), nil

	default: // EXPIRED or MISSING: no usable cache
		o.counters.misses.Add(1)
		cacheMisses.Inc()
		return o.blockingFetch(ctx, dims, refreshKey)
	}
}

// result assembles a Result, annotating whether a refresh is in flight.
func (o *Orchestrator) result(ctx context.Context, data map[string]*factstore.Aggregate, prov factstore.Provenance, cls freshness.Result, refreshKey string) *Result {
	refreshing, err := o.locks.IsRefreshing(ctx, refreshKey)
	if err != nil {
		o.logger.Warn().Err(err).Str("refresh_key", refreshKey).Msg("Lock status check failed")
	}
	return &Result{
		Data:       data,
		State:      cls.State,
		AgeSeconds: cls.Age.Seconds(),
		Refreshing: refreshing,
		Provenance: prov,
	}
}

// triggerBackgroundRefresh attempts the stale-while-revalidate handoff.
// Losing the lock race (or an active backoff) is not an error: the caller
// still gets its cache hit, somebody else is already refreshing.
func (o *Orchestrator) triggerBackgroundRefresh(ctx context.Context, refreshKey string, dims fingerprint.Dimensions) {
	if o.queue == nil {
		return
	}

	owner, ok, err := o.locks.TryAcquire(ctx, refreshKey, o.config.LockTTL)
	if err != nil {
		o.logger.Warn().Err(err).Str("refresh_key", refreshKey).Msg("Lock acquire failed")
		return
	}
	if !ok {
		o.counters.lockContentions.Add(1)
		lockContentions.Inc()
		return
	}

	o.counters.backgroundRefreshes.Add(1)
	o.counters.staleRefreshes.Add(1)
	staleRefreshes.Inc()

	status := o.queue.Enqueue(Job{
		RefreshKey: refreshKey,
		Owner:      owner,
		Dims:       dims,
		EnqueuedAt: o.now(),
	})
	if status != Enqueued {
		// The worker will never see this job, so the lock must not
		// sit there until TTL.
		if _, err := o.locks.Release(ctx, refreshKey, owner); err != nil {
			o.logger.Warn().Err(err).Str("refresh_key", refreshKey).Msg("Lock release failed")
		}
		o.logger.Warn().
			Str("refresh_key", refreshKey).
			Str("status", string(status)).
			Msg("Background refresh not enqueued")
	}
}

// blockingFetch is the no-usable-cache path: fetch synchronously on the
// caller's critical path, store, and serve.
func (o *Orchestrator) blockingFetch(ctx context.Context, dims fingerprint.Dimensions, refreshKey string) (*Result, error) {
	throttleKey := fingerprint.BuildKey(dims)

	if !o.throttle.CanBlockingFetch(throttleKey) {
		o.counters.throttleEvents.Add(1)
		throttle.ThrottleEvents.Inc()
		o.logger.Warn().
			Str("throttle_key", throttleKey).
			Msg("Blocking fetch throttled")
		return nil, ErrThrottled
	}
	o.throttle.StartBlockingFetch(throttleKey)

	req := upstream.Request{
		CustomerID:     dims.CustomerID,
		EntityType:     dims.EntityType,
		EntityID:       dims.EntityID,
		ParentEntityID: dims.ParentEntityID,
		StartDate:      dims.StartDate,
		EndDate:        dims.EndDate,
		Timezone:       dims.Timezone,
	}

	rows, err := throttle.Do(ctx, o.throttle, throttleKey, o.config.FetchTimeout,
		func(fetchCtx context.Context) ([]factstore.DailyRow, error) {
			return upstream.FetchWithRetry(fetchCtx, o.fetcher, req, o.config.Retry)
		})
	if err != nil {
		if rle, ok := upstream.AsRateLimit(err); ok {
			o.propagateBackoff(ctx, refreshKey, rle)
		}
		return nil, fmt.Errorf("blocking fetch: %w", err)
	}

	if _, err := o.store.StoreDailyRows(ctx, factstore.StoreParams{
		CustomerID: dims.CustomerID,
		EntityType: dims.EntityType,
		Timezone:   dims.Timezone,
		Rows:       rows,
	}); err != nil {
		return nil, fmt.Errorf("store fetched rows: %w", err)
	}

	aggregates, prov, err := o.store.ReadAndAggregate(ctx, dims.CustomerID, dims.EntityType, dims.StartDate, dims.EndDate)
	if err != nil {
		return nil, fmt.Errorf("read after fetch: %w", err)
	}

	cls := freshness.Classify(o.now(), prov.OldestSync, prov.RowCount, o.thresholdsFor(dims.EntityType))
	return o.result(ctx, aggregates, prov, cls, refreshKey), nil
}

// propagateBackoff turns an upstream rate-limit signal into a backoff
// window so concurrent callers stop hammering the quota too.
func (o *Orchestrator) propagateBackoff(ctx context.Context, refreshKey string, rle *upstream.RateLimitError) {
	d := rle.RetryAfter
	if d <= 0 {
		d = DefaultBackoff
	}
	global := rle.Scope == upstream.ScopeGlobal

	if err := o.locks.SetBackoff(ctx, refreshKey, d, global); err != nil {
		o.logger.Error().Err(err).Str("refresh_key", refreshKey).Msg("Backoff set failed")
	}
}

// Invalidate removes cached rows for the query's range, optionally scoped
// to one entity.
func (o *Orchestrator) Invalidate(ctx context.Context, dims fingerprint.Dimensions) (int64, error) {
	if dims.StartDate == "" || dims.EndDate == "" {
		return 0, ErrMissingDateRange
	}
	return o.store.Invalidate(ctx, dims.CustomerID, dims.EntityType, dims.StartDate, dims.EndDate, dims.EntityID)
}

// ForceReleaseLock unconditionally releases a refresh lock. Admin only.
func (o *Orchestrator) ForceReleaseLock(ctx context.Context, key string) error {
	return o.locks.ForceRelease(ctx, key)
}

// LockStatus combines the lock table view with the cache counters for the
// inspection endpoint.
type LockStatus struct {
	lock.Status
	Metrics Snapshot `json:"metrics"`
}

// GetLockStatus returns the current locks, backoffs and counters.
func (o *Orchestrator) GetLockStatus(ctx context.Context) (LockStatus, error) {
	status, err := o.locks.Status(ctx)
	if err != nil {
		return LockStatus{}, err
	}
	return LockStatus{Status: status, Metrics: o.counters.Snapshot()}, nil
}

// MetricsSnapshot returns the cache counters.
func (o *Orchestrator) MetricsSnapshot() Snapshot {
	return o.counters.Snapshot()
}
