// Package metrics provides centralized Prometheus metrics registry for the
// report cache. All metrics are defined in their respective packages
// (refresh, lock, throttle, factstore, upstream, worker) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the report cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/refresh):
//   - reportcache_cache_hits_total{state} (Counter): Cache hits by freshness state (FRESH, STALE)
//   - reportcache_cache_misses_total (Counter): Cache misses (EXPIRED or MISSING)
//   - reportcache_stale_refreshes_total (Counter): Background refreshes triggered by stale hits
//   - reportcache_lock_contentions_total (Counter): Stale refreshes skipped because another caller holds the lock
//
// Lock Metrics (pkg/lock):
//   - reportcache_lock_acquisitions_total{outcome} (Counter): Acquisition attempts (acquired, held, backoff)
//   - reportcache_lock_forced_releases_total (Counter): Administrative force releases
//   - reportcache_lock_backoffs_set_total{scope} (Counter): Backoff windows set (global, key)
//
// Throttle Metrics (pkg/throttle):
//   - reportcache_blocking_fetch_throttled_total (Counter): Blocking fetches denied by the per-key cooldown
//   - reportcache_blocking_fetch_duration_seconds{outcome} (Histogram): Blocking fetch duration (ok, error, timeout)
//
// Fact Store Metrics (pkg/factstore):
//   - reportcache_fact_rows_written_total{entity_type} (Counter): Fact rows upserted by entity type
//   - reportcache_fact_rows_deleted_total{cause} (Counter): Fact rows deleted (invalidate, retention)
//   - reportcache_fact_query_duration_seconds{operation} (Histogram): Query duration (aggregate, coverage)
//   - reportcache_fact_store_errors_total{operation} (Counter): Store operation errors
//
// Upstream Metrics (pkg/upstream):
//   - reportcache_upstream_retries_total (Counter): Fetch retry attempts
//   - reportcache_upstream_retry_backoff_seconds (Histogram): Backoff duration between retries
//   - reportcache_upstream_retry_exhausted_total (Counter): Fetches that exhausted max retries
//
// Worker Metrics (pkg/worker):
//   - reportcache_refresh_jobs_total{outcome} (Counter): Background refresh jobs (completed, failed)
//   - reportcache_refresh_job_duration_seconds (Histogram): Background refresh job duration
//   - reportcache_refresh_queue_depth (Gauge): Refresh jobs waiting in the queue
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(reportcache_cache_hits_total[5m])) /
//   (sum(rate(reportcache_cache_hits_total[5m])) + sum(rate(reportcache_cache_misses_total[5m])))
//
//   # Global Backoff Activity
//   rate(reportcache_lock_backoffs_set_total{scope="global"}[5m])
//
//   # P95 Blocking Fetch Latency
//   histogram_quantile(0.95, rate(reportcache_blocking_fetch_duration_seconds_bucket[5m]))
//
//   # Background Job Failure Rate
//   rate(reportcache_refresh_jobs_total{outcome="failed"}[5m])
