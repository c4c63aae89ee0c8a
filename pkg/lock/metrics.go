package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Acquisitions tracks TryAcquire outcomes.
	Acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_lock_acquisitions_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"}, // "acquired", "held", "backoff"
	)

	// ForcedReleases tracks administrative force releases.
	ForcedReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportcache_lock_forced_releases_total",
			Help: "Total administrative force releases",
		},
	)

	// BackoffsSet tracks backoff windows by scope.
	BackoffsSet = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_lock_backoffs_set_total",
			Help: "Total backoff windows set by scope",
		},
		[]string{"scope"}, // "global", "key"
	)
)
