// Package worker runs deduplicated background refresh jobs against the
// upstream, bounded by a small worker pool and a shared requests-per-minute
// limiter so periodic syncs and stale-triggered refreshes cannot stampede
// the quota together.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/lock"
	"github.com/admetric/reportcache/pkg/logging"
	"github.com/admetric/reportcache/pkg/refresh"
	"github.com/admetric/reportcache/pkg/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for background jobs.
var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_refresh_jobs_total",
			Help: "Total background refresh jobs by outcome",
		},
		[]string{"outcome"}, // "completed", "failed"
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportcache_refresh_job_duration_seconds",
			Help:    "Background refresh job duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportcache_refresh_queue_depth",
			Help: "Refresh jobs waiting in the queue",
		},
	)
)

// Config holds worker pool tuning.
type Config struct {
	// Concurrency is the number of jobs running in parallel (default 2).
	Concurrency int

	// JobsPerMinute caps job starts across the whole pool (default 10).
	JobsPerMinute int

	// QueueSize bounds pending jobs (default 64).
	QueueSize int

	// Retry configures fetch retries within a job.
	Retry upstream.RetryConfig

	// Chunks controls splitting of long date ranges into separate
	// upstream requests.
	Chunks upstream.ChunkConfig
}

// DefaultConfig returns safe worker defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   2,
		JobsPerMinute: 10,
		QueueSize:     64,
		Retry:         upstream.DefaultRetryConfig(),
		Chunks:        upstream.DefaultChunkConfig(),
	}
}

// Pool consumes refresh jobs, fetches from the upstream, writes through the
// fact store, and maintains sync metadata. It implements refresh.Queue.
type Pool struct {
	store    *factstore.Store
	fetcher  upstream.Fetcher
	locks    lock.Manager
	counters *refresh.Counters
	config   Config
	limiter  *rate.Limiter
	logger   zerolog.Logger

	jobs    chan refresh.Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool
}

// NewPool creates a worker pool. Call Start before enqueueing.
func NewPool(store *factstore.Store, fetcher upstream.Fetcher, locks lock.Manager, counters *refresh.Counters, config Config) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.JobsPerMinute <= 0 {
		config.JobsPerMinute = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if counters == nil {
		counters = refresh.NewCounters()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:    store,
		fetcher:  fetcher,
		locks:    locks,
		counters: counters,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(float64(config.JobsPerMinute)/60.0), 1),
		logger:   logging.NewLogger("worker"),
		jobs:     make(chan refresh.Job, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info().
		Int("concurrency", p.config.Concurrency).
		Int("jobs_per_minute", p.config.JobsPerMinute).
		Msg("Worker pool started")
}

// Stop drains in-flight jobs and returns when all workers exit or ctx
// expires. Queued jobs that have not started are abandoned with their locks
// released immediately; on drain timeout, in-flight fetches are cancelled
// and their locks recover through TTL expiry.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// Enqueue implements refresh.Queue. The orchestrator's lock already dedups
// concurrent refreshes; the pending set additionally rejects a key that is
// sitting in the queue, which can happen when a lock expired while its job
// was still waiting.
func (p *Pool) Enqueue(job refresh.Job) refresh.EnqueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || !p.started {
		return refresh.Unavailable
	}
	if _, ok := p.pending[job.RefreshKey]; ok {
		return refresh.Duplicate
	}

	// The send must happen under the same lock as the stopped check:
	// Stop marks stopped while holding this mutex and closes the channel
	// only afterwards, so a send here either precedes the close or does
	// not happen at all. Releasing the lock between check and send would
	// reopen a send-on-closed-channel window.
	select {
	case p.jobs <- job:
		p.pending[job.RefreshKey] = struct{}{}
		queueDepth.Set(float64(len(p.jobs)))
		return refresh.Enqueued
	default:
		return refresh.RateLimited
	}
}

// run is one worker goroutine: paced by the shared limiter, isolated per
// job so one failing job cannot take down the pool.
func (p *Pool) run(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		queueDepth.Set(float64(len(p.jobs)))

		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			// Abandon queued work during shutdown; release the lock
			// now instead of waiting out its TTL.
			p.finish(job)
			continue
		}

		if err := p.limiter.Wait(p.ctx); err != nil {
			p.finish(job)
			continue
		}

		p.process(job, id)
	}
}

// process executes one refresh job end to end.
func (p *Pool) process(job refresh.Job, workerID int) {
	start := time.Now()
	defer func() {
		jobDuration.Observe(time.Since(start).Seconds())
		p.finish(job)
	}()

	ctx := p.ctx
	dims := job.Dims

	logger := p.logger.With().
		Int("worker_id", workerID).
		Str("refresh_key", job.RefreshKey).
		Str("customer_id", dims.CustomerID).
		Str("entity_type", dims.EntityType).
		Logger()

	if err := p.store.MarkSyncStarted(ctx, dims.CustomerID, dims.EntityType); err != nil {
		logger.Error().Err(err).Msg("Mark sync started failed")
	}

	req := upstream.Request{
		CustomerID:     dims.CustomerID,
		EntityType:     dims.EntityType,
		EntityID:       dims.EntityID,
		ParentEntityID: dims.ParentEntityID,
		StartDate:      dims.StartDate,
		EndDate:        dims.EndDate,
		Timezone:       dims.Timezone,
	}

	rows, err := upstream.FetchChunked(ctx, p.fetcher, req, p.config.Retry, p.config.Chunks)
	if err != nil {
		if rle, ok := upstream.AsRateLimit(err); ok {
			d := rle.RetryAfter
			if d <= 0 {
				d = refresh.DefaultBackoff
			}
			if berr := p.locks.SetBackoff(ctx, job.RefreshKey, d, rle.Scope == upstream.ScopeGlobal); berr != nil {
				logger.Error().Err(berr).Msg("Backoff set failed")
			}
		}
		p.fail(ctx, job, logger, err)
		return
	}

	result, err := p.store.StoreDailyRows(ctx, factstore.StoreParams{
		CustomerID: dims.CustomerID,
		EntityType: dims.EntityType,
		Timezone:   dims.Timezone,
		Rows:       rows,
	})
	if err != nil {
		p.fail(ctx, job, logger, err)
		return
	}

	lastSyncedDate := ""
	if len(result.DatesWritten) > 0 {
		lastSyncedDate = result.DatesWritten[len(result.DatesWritten)-1]
	}
	if err := p.store.MarkSyncCompleted(ctx, dims.CustomerID, dims.EntityType, int64(result.RowsWritten), lastSyncedDate); err != nil {
		logger.Error().Err(err).Msg("Mark sync completed failed")
	}

	jobsTotal.WithLabelValues("completed").Inc()
	logger.Info().
		Int("rows_written", result.RowsWritten).
		Dur("duration", time.Since(job.EnqueuedAt)).
		Msg("Background refresh complete")
}

// fail records a terminal job failure in sync metadata.
func (p *Pool) fail(ctx context.Context, job refresh.Job, logger zerolog.Logger, err error) {
	p.counters.IncBackgroundRefreshError()
	jobsTotal.WithLabelValues("failed").Inc()

	if merr := p.store.MarkSyncFailed(ctx, job.Dims.CustomerID, job.Dims.EntityType, err.Error()); merr != nil {
		logger.Error().Err(merr).Msg("Mark sync failed errored")
	}
	logger.Error().Err(err).Msg("Background refresh failed")
}

// finish releases the job's lock with the owner token it was dispatched
// under and clears the pending entry. Runs on every terminal path.
func (p *Pool) finish(job refresh.Job) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.locks.Release(releaseCtx, job.RefreshKey, job.Owner); err != nil {
		p.logger.Warn().Err(err).Str("refresh_key", job.RefreshKey).Msg("Lock release failed")
	}

	p.mu.Lock()
	delete(p.pending, job.RefreshKey)
	p.mu.Unlock()
}
