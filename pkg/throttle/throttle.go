// Package throttle rate-limits synchronous, caller-blocking upstream
// fetches with a per-key cooldown. It is orthogonal to the lock manager:
// the lock dedups concurrent background refreshes, while this guards the
// cache-completely-missing path, where a spike of first-time queries would
// otherwise bypass the lock entirely.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/admetric/reportcache/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ThrottleEvents counts blocking fetches denied by the cooldown.
	ThrottleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportcache_blocking_fetch_throttled_total",
			Help: "Total blocking fetches denied by the per-key cooldown",
		},
	)

	// FetchDuration tracks blocking fetch latency by outcome.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportcache_blocking_fetch_duration_seconds",
			Help:    "Blocking fetch duration by outcome",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"}, // "ok", "error", "timeout"
	)
)

// ErrTimeout is returned when a blocking fetch exceeds its hard timeout.
// It is distinct from generic upstream failure so callers can report it as
// such.
var ErrTimeout = errors.New("blocking fetch timed out")

// DefaultCooldown is the human-scale window between blocking fetch attempts
// for one key.
const DefaultCooldown = 30 * time.Second

// Throttle tracks the last blocking fetch attempt per key.
type Throttle struct {
	mu          sync.Mutex
	lastAttempt map[string]time.Time
	cooldown    time.Duration
	logger      zerolog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time
}

// New creates a throttle with the given cooldown window.
func New(cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{
		lastAttempt: make(map[string]time.Time),
		cooldown:    cooldown,
		logger:      logging.NewLogger("throttle"),
		now:         time.Now,
	}
}

// CanBlockingFetch reports whether no blocking fetch for key happened within
// the cooldown window.
func (t *Throttle) CanBlockingFetch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastAttempt[key]
	if !ok {
		return true
	}
	if t.now().Sub(last) >= t.cooldown {
		delete(t.lastAttempt, key)
		return true
	}
	return false
}

// StartBlockingFetch records a fetch attempt for key.
func (t *Throttle) StartBlockingFetch(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAttempt[key] = t.now()
}

// Clear removes the throttle entry for key.
func (t *Throttle) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastAttempt, key)
}

// Do races fn against a hard timeout.
//
// On any failure, including the timeout itself, the throttle entry for key
// is cleared so the caller may retry immediately instead of waiting out the
// full cooldown. This is deliberate: a failed attempt did not return data,
// and making the user sit through the cooldown on top of the failure was
// judged worse than the extra quota a fast retry can burn. Debatable, but
// the behavior is long-standing and callers rely on it.
func Do[T any](ctx context.Context, t *Throttle, key string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	start := t.now()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(fetchCtx)
		done <- result{value: value, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil {
			t.Clear(key)
			FetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return zero, res.err
		}
		FetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		return res.value, nil

	case <-fetchCtx.Done():
		t.Clear(key)
		FetchDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		t.logger.Warn().
			Str("throttle_key", key).
			Dur("timeout", timeout).
			Msg("Blocking fetch timed out")
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrTimeout
	}
}
