package factstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsWritten tracks upserted fact rows by entity type.
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_fact_rows_written_total",
			Help: "Total metrics fact rows upserted by entity type",
		},
		[]string{"entity_type"},
	)

	// RowsDeleted tracks deleted fact rows by cause.
	RowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_fact_rows_deleted_total",
			Help: "Total metrics fact rows deleted",
		},
		[]string{"cause"}, // "invalidate", "retention"
	)

	// QueryDuration tracks read/aggregate latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportcache_fact_query_duration_seconds",
			Help:    "Fact store read latency by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"}, // "aggregate", "coverage"
	)

	// StoreErrors tracks failed store operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportcache_fact_store_errors_total",
			Help: "Total fact store operation errors",
		},
		[]string{"operation"}, // "store", "aggregate", "coverage", "invalidate", "retention"
	)
)
