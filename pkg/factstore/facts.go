package factstore

import (
	"context"
	"fmt"
	"time"
)

// DailyRow is the atomic unit of cached metrics: one calendar day for one
// entity. Derived fields (ctr, average cpc) are computed at write time.
type DailyRow struct {
	EntityID         string  `json:"entity_id"`
	Date             string  `json:"date"` // YYYY-MM-DD
	Impressions      int64   `json:"impressions"`
	Clicks           int64   `json:"clicks"`
	CostMicros       int64   `json:"cost_micros"`
	Conversions      float64 `json:"conversions"`
	ConversionsValue float64 `json:"conversions_value"`
}

// StoreParams describes one store batch.
type StoreParams struct {
	CustomerID string
	AccountID  string
	EntityType string

	// Timezone is the source reporting timezone, used to decide whether a
	// row's date is "today" (PARTIAL) or fully elapsed (FINAL). Empty
	// means UTC.
	Timezone string

	Rows []DailyRow
}

// StoreResult reports a completed (or partially completed) store batch.
type StoreResult struct {
	RowsWritten  int
	DatesWritten []string
}

// Aggregate is the summed metrics for one entity over a date range.
type Aggregate struct {
	EntityID         string  `json:"entity_id"`
	Impressions      int64   `json:"impressions"`
	Clicks           int64   `json:"clicks"`
	CostMicros       int64   `json:"cost_micros"`
	Conversions      float64 `json:"conversions"`
	ConversionsValue float64 `json:"conversions_value"`
	CTR              float64 `json:"ctr"`
	AverageCPC       float64 `json:"average_cpc"`
}

// Provenance describes where an aggregate's data came from.
type Provenance struct {
	CoveredDays        []string  `json:"covered_days"`
	MissingDays        []string  `json:"missing_days"`
	TotalDaysRequested int       `json:"total_days_requested"`
	OldestSync         time.Time `json:"oldest_sync"`
	RowCount           int       `json:"row_count"`
}

// Coverage reports day-level coverage for a range, irrespective of entity.
type Coverage struct {
	Complete        bool     `json:"complete"`
	CoveredDays     []string `json:"covered_days"`
	MissingDays     []string `json:"missing_days"`
	CoveragePercent float64  `json:"coverage_percent"`
}

// StoreDailyRows upserts a batch of per-day rows keyed by
// (customer, entity type, entity, date).
//
// The batch is validated before any write: a row without a parseable date
// fails the entire call with zero rows written. Past validation, rows are
// upserted one at a time; a mid-batch failure returns a PartialWriteError
// carrying the exact number of rows already committed.
//
// syncedAt is stamped on every upsert, including re-writes of an existing
// day, so freshness age reflects last-touched time rather than first-seen.
func (s *Store) StoreDailyRows(ctx context.Context, p StoreParams) (StoreResult, error) {
	if p.CustomerID == "" {
		return StoreResult{}, fmt.Errorf("customer id is required")
	}
	if p.EntityType == "" {
		return StoreResult{}, fmt.Errorf("entity type is required")
	}

	// Fail-fast validation pass: no partial commit for a missing date.
	for i, row := range p.Rows {
		if row.Date == "" {
			StoreErrors.WithLabelValues("store").Inc()
			return StoreResult{}, &ValidationError{Index: i, Reason: ErrMissingDate}
		}
		if _, err := time.Parse(DateFormat, row.Date); err != nil {
			StoreErrors.WithLabelValues("store").Inc()
			return StoreResult{}, &ValidationError{Index: i, Reason: fmt.Errorf("%w: %q", ErrMissingDate, row.Date)}
		}
	}

	loc := time.UTC
	if p.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return StoreResult{}, fmt.Errorf("load timezone %q: %w", p.Timezone, err)
		}
	}

	now := s.now()
	today := now.In(loc).Format(DateFormat)
	syncedAt := toMillis(now)

	stmt, err := s.sqlDB.PrepareContext(ctx, `
		INSERT INTO metrics_facts (
		    customer_id, entity_type, entity_id, date,
		    impressions, clicks, cost_micros, conversions, conversions_value,
		    ctr, average_cpc, data_freshness, synced_at, account_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, entity_type, entity_id, date) DO UPDATE SET
		    impressions       = excluded.impressions,
		    clicks            = excluded.clicks,
		    cost_micros       = excluded.cost_micros,
		    conversions       = excluded.conversions,
		    conversions_value = excluded.conversions_value,
		    ctr               = excluded.ctr,
		    average_cpc       = excluded.average_cpc,
		    data_freshness    = excluded.data_freshness,
		    synced_at         = excluded.synced_at,
		    account_id        = excluded.account_id`)
	if err != nil {
		StoreErrors.WithLabelValues("store").Inc()
		return StoreResult{}, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	dates := make(map[string]struct{})
	for _, row := range p.Rows {
		fresh := FreshnessFinal
		if row.Date == today {
			fresh = FreshnessPartial
		}

		_, err := stmt.ExecContext(ctx,
			p.CustomerID, p.EntityType, row.EntityID, row.Date,
			row.Impressions, row.Clicks, row.CostMicros,
			row.Conversions, row.ConversionsValue,
			ctr(row.Clicks, row.Impressions), averageCPC(row.CostMicros, row.Clicks),
			string(fresh), syncedAt, p.AccountID,
		)
		if err != nil {
			StoreErrors.WithLabelValues("store").Inc()
			return StoreResult{RowsWritten: written, DatesWritten: sortedKeys(dates)},
				&PartialWriteError{RowsWritten: written, Err: err}
		}
		written++
		dates[row.Date] = struct{}{}
	}

	RowsWritten.WithLabelValues(p.EntityType).Add(float64(written))
	s.logger.Debug().
		Str("customer_id", p.CustomerID).
		Str("entity_type", p.EntityType).
		Int("rows_written", written).
		Int("dates_written", len(dates)).
		Msg("Stored daily rows")

	return StoreResult{RowsWritten: written, DatesWritten: sortedKeys(dates)}, nil
}

// ReadAndAggregate sums stored rows per entity over [startDate, endDate] and
// reports which requested days have no row for any entity, plus the oldest
// syncedAt across the touched rows.
func (s *Store) ReadAndAggregate(ctx context.Context, customerID, entityType, startDate, endDate string) (map[string]*Aggregate, Provenance, error) {
	start := time.Now()
	defer func() {
		QueryDuration.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())
	}()

	requested, err := daysBetween(startDate, endDate)
	if err != nil {
		return nil, Provenance{}, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT entity_id, date, impressions, clicks, cost_micros,
		       conversions, conversions_value, synced_at
		  FROM metrics_facts
		 WHERE customer_id = ? AND entity_type = ? AND date >= ? AND date <= ?`,
		customerID, entityType, startDate, endDate)
	if err != nil {
		StoreErrors.WithLabelValues("aggregate").Inc()
		return nil, Provenance{}, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	aggregates := make(map[string]*Aggregate)
	covered := make(map[string]struct{})
	var oldestSync int64
	rowCount := 0

	for rows.Next() {
		var (
			entityID, date string
			row            DailyRow
			syncedAt       int64
		)
		if err := rows.Scan(&entityID, &date, &row.Impressions, &row.Clicks,
			&row.CostMicros, &row.Conversions, &row.ConversionsValue, &syncedAt); err != nil {
			StoreErrors.WithLabelValues("aggregate").Inc()
			return nil, Provenance{}, fmt.Errorf("scan fact row: %w", err)
		}

		agg, ok := aggregates[entityID]
		if !ok {
			agg = &Aggregate{EntityID: entityID}
			aggregates[entityID] = agg
		}
		agg.Impressions += row.Impressions
		agg.Clicks += row.Clicks
		agg.CostMicros += row.CostMicros
		agg.Conversions += row.Conversions
		agg.ConversionsValue += row.ConversionsValue

		covered[date] = struct{}{}
		if oldestSync == 0 || syncedAt < oldestSync {
			oldestSync = syncedAt
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		StoreErrors.WithLabelValues("aggregate").Inc()
		return nil, Provenance{}, fmt.Errorf("iterate fact rows: %w", err)
	}

	for _, agg := range aggregates {
		agg.CTR = ctr(agg.Clicks, agg.Impressions)
		agg.AverageCPC = averageCPC(agg.CostMicros, agg.Clicks)
	}

	prov := Provenance{
		CoveredDays:        sortedKeys(covered),
		MissingDays:        missingDays(requested, covered),
		TotalDaysRequested: len(requested),
		RowCount:           rowCount,
	}
	if oldestSync > 0 {
		prov.OldestSync = fromMillis(oldestSync)
	}

	return aggregates, prov, nil
}

// CheckCoverage reports day-level coverage for a range, for diagnostics.
// A day counts as covered when at least one row exists for it, regardless
// of entity.
func (s *Store) CheckCoverage(ctx context.Context, customerID, entityType, startDate, endDate string) (Coverage, error) {
	start := time.Now()
	defer func() {
		QueryDuration.WithLabelValues("coverage").Observe(time.Since(start).Seconds())
	}()

	requested, err := daysBetween(startDate, endDate)
	if err != nil {
		return Coverage{}, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT DISTINCT date
		  FROM metrics_facts
		 WHERE customer_id = ? AND entity_type = ? AND date >= ? AND date <= ?`,
		customerID, entityType, startDate, endDate)
	if err != nil {
		StoreErrors.WithLabelValues("coverage").Inc()
		return Coverage{}, fmt.Errorf("query coverage: %w", err)
	}
	defer rows.Close()

	covered := make(map[string]struct{})
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			StoreErrors.WithLabelValues("coverage").Inc()
			return Coverage{}, fmt.Errorf("scan coverage row: %w", err)
		}
		covered[date] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		StoreErrors.WithLabelValues("coverage").Inc()
		return Coverage{}, fmt.Errorf("iterate coverage rows: %w", err)
	}

	cov := Coverage{
		CoveredDays: sortedKeys(covered),
		MissingDays: missingDays(requested, covered),
	}
	cov.Complete = len(cov.MissingDays) == 0
	if len(requested) > 0 {
		cov.CoveragePercent = float64(len(cov.CoveredDays)) / float64(len(requested)) * 100
	}

	return cov, nil
}

// Invalidate deletes rows in [startDate, endDate], optionally scoped to one
// entity. Used for manual cache invalidation, not day-to-day operation.
func (s *Store) Invalidate(ctx context.Context, customerID, entityType, startDate, endDate, entityID string) (int64, error) {
	if _, err := daysBetween(startDate, endDate); err != nil {
		return 0, err
	}

	query := `DELETE FROM metrics_facts
	           WHERE customer_id = ? AND entity_type = ? AND date >= ? AND date <= ?`
	args := []any{customerID, entityType, startDate, endDate}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}

	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		StoreErrors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("delete facts: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	RowsDeleted.WithLabelValues("invalidate").Add(float64(deleted))
	s.logger.Info().
		Str("customer_id", customerID).
		Str("entity_type", entityType).
		Str("start_date", startDate).
		Str("end_date", endDate).
		Int64("deleted", deleted).
		Msg("Invalidated cached rows")

	return deleted, nil
}

func ctr(clicks, impressions int64) float64 {
	if impressions == 0 {
		return 0
	}
	return float64(clicks) / float64(impressions)
}

func averageCPC(costMicros, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return float64(costMicros) / float64(clicks)
}

func missingDays(requested []string, covered map[string]struct{}) []string {
	var missing []string
	for _, day := range requested {
		if _, ok := covered[day]; !ok {
			missing = append(missing, day)
		}
	}
	return missing
}
