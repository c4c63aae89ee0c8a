package refresh

import (
	"time"

	"github.com/admetric/reportcache/pkg/fingerprint"
)

// Job is one deduplicated background refresh, handed to the worker pool
// with the lock owner token it was dispatched under. The worker releases
// the lock with that token on every terminal path.
type Job struct {
	RefreshKey string
	Owner      string
	Dims       fingerprint.Dimensions
	EnqueuedAt time.Time
}

// EnqueueStatus is the dispatch outcome reported by the queue.
type EnqueueStatus string

const (
	// Enqueued means the job was accepted.
	Enqueued EnqueueStatus = "enqueued"

	// Duplicate means a job for the same refresh key is already pending.
	Duplicate EnqueueStatus = "duplicate"

	// RateLimited means the queue is full; the refresh is dropped and the
	// next stale hit will try again.
	RateLimited EnqueueStatus = "rate-limited"

	// Unavailable means the queue is not accepting jobs (shutting down).
	Unavailable EnqueueStatus = "unavailable"
)

// Queue dispatches refresh jobs to the background worker pool.
type Queue interface {
	Enqueue(job Job) EnqueueStatus
}
