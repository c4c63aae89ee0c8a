package factstore

import (
	"context"
	"fmt"
)

// RetentionPolicy maps entity types to how many days of facts to keep.
// Retention windows are unrelated to the freshness thresholds used for
// serving decisions; aggregate-level entities typically keep far more
// history than leaf-level ones.
type RetentionPolicy map[string]int

// DefaultRetentionPolicy returns the standard retention windows.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		EntityCampaign:   730,
		EntityAdGroup:    365,
		EntityAd:         180,
		EntityKeyword:    90,
		EntitySearchTerm: 30,
	}
}

// CleanupOptions bounds a single cleanup call so a large backlog cannot
// turn into one long-running delete.
type CleanupOptions struct {
	// DryRun counts matching rows without deleting anything.
	DryRun bool

	// BatchSize is the maximum rows deleted per statement (default 1000).
	BatchSize int

	// MaxBatches caps the number of delete statements per entity type per
	// call (default 10). Remaining rows wait for the next run.
	MaxBatches int
}

// CleanupResult reports what a cleanup call deleted (or would delete).
type CleanupResult struct {
	DeletedByEntity map[string]int64 `json:"deleted_by_entity"`
	TotalDeleted    int64            `json:"total_deleted"`

	// Truncated is true when a batch cap was hit and older rows remain.
	Truncated bool `json:"truncated"`
}

// RetentionCleanup deletes fact rows older than each entity type's retention
// window, in bounded batches. With DryRun it reports counts only.
func (s *Store) RetentionCleanup(ctx context.Context, policy RetentionPolicy, opts CleanupOptions) (CleanupResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = 10
	}

	result := CleanupResult{DeletedByEntity: make(map[string]int64)}
	today := s.now().UTC()

	for entityType, retentionDays := range policy {
		if retentionDays <= 0 {
			continue
		}
		cutoff := today.AddDate(0, 0, -retentionDays).Format(DateFormat)

		if opts.DryRun {
			var count int64
			err := s.sqlDB.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM metrics_facts WHERE entity_type = ? AND date < ?`,
				entityType, cutoff,
			).Scan(&count)
			if err != nil {
				StoreErrors.WithLabelValues("retention").Inc()
				return result, fmt.Errorf("count expired %s rows: %w", entityType, err)
			}
			result.DeletedByEntity[entityType] = count
			result.TotalDeleted += count
			continue
		}

		for batch := 0; batch < opts.MaxBatches; batch++ {
			res, err := s.sqlDB.ExecContext(ctx, `
				DELETE FROM metrics_facts
				 WHERE rowid IN (
				       SELECT rowid FROM metrics_facts
				        WHERE entity_type = ? AND date < ?
				        LIMIT ?)`,
				entityType, cutoff, opts.BatchSize)
			if err != nil {
				StoreErrors.WithLabelValues("retention").Inc()
				return result, fmt.Errorf("delete expired %s rows: %w", entityType, err)
			}

			deleted, err := res.RowsAffected()
			if err != nil {
				return result, fmt.Errorf("rows affected: %w", err)
			}
			result.DeletedByEntity[entityType] += deleted
			result.TotalDeleted += deleted
			RowsDeleted.WithLabelValues("retention").Add(float64(deleted))

			if deleted < int64(opts.BatchSize) {
				break
			}
			if batch == opts.MaxBatches-1 {
				result.Truncated = true
			}
		}
	}

	if !opts.DryRun && result.TotalDeleted > 0 {
		s.logger.Info().
			Int64("total_deleted", result.TotalDeleted).
			Bool("truncated", result.Truncated).
			Msg("Retention cleanup complete")
	}

	return result, nil
}
