package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reportcache_upstream_retries_total",
		Help: "Total number of upstream fetch retry attempts",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reportcache_upstream_retry_backoff_seconds",
		Help:    "Backoff duration between upstream fetch retries",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reportcache_upstream_retry_exhausted_total",
		Help: "Total number of times upstream fetch retries were exhausted",
	})
)

// Common errors returned by the retry wrapper.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// RetryConfig holds the configuration for fetch retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// FetchWithRetry executes a fetch with exponential backoff and jitter.
//
// Rate-limit errors are never retried inline: they must surface immediately
// so the caller can set a backoff window for every concurrent caller instead
// of burning more quota here. Everything else (network, server failures) is
// retried up to MaxAttempts.
func FetchWithRetry(ctx context.Context, fetcher Fetcher, req Request, config RetryConfig) ([]factstore.DailyRow, error) {
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		rows, err := fetcher.Fetch(ctx, req)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("entity_type", req.EntityType).
					Int("attempt", attempt).
					Msg("Upstream fetch succeeded after retry")
			}
			return rows, nil
		}

		lastErr = err

		if _, rateLimited := AsRateLimit(err); rateLimited {
			return nil, err
		}

		if attempt >= config.MaxAttempts {
			break
		}

		retriesTotal.Inc()

		// Jitter of ±20% to avoid synchronized retries.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.Observe(jitter.Seconds())

		log.Debug().
			Str("entity_type", req.EntityType).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Err(err).
			Msg("Retrying upstream fetch after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	retryExhaustedTotal.Inc()
	log.Warn().
		Str("entity_type", req.EntityType).
		Int("max_attempts", config.MaxAttempts).
		Msg("Upstream fetch retries exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
