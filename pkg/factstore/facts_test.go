package factstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestStore opens a store in a temp dir with a controllable clock.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "facts.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	current := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	return store, &current
}

func testRows(dates ...string) []DailyRow {
	rows := make([]DailyRow, 0, len(dates))
	for _, date := range dates {
		rows = append(rows, DailyRow{
			EntityID:         "campaign-1",
			Date:             date,
			Impressions:      1000,
			Clicks:           50,
			CostMicros:       25_000_000,
			Conversions:      5,
			ConversionsValue: 125,
		})
	}
	return rows
}

func TestStore_OpenTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	store.Close()

	// Migrations must be idempotent across reopens.
	store, err = Open(path)
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	store.Close()
}

func TestStore_StoreDailyRows(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	result, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       testRows("2024-03-01", "2024-03-02", "2024-03-03"),
	})
	if err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}
	if result.RowsWritten != 3 {
		t.Errorf("Expected 3 rows written, got %d", result.RowsWritten)
	}
	if len(result.DatesWritten) != 3 || result.DatesWritten[0] != "2024-03-01" {
		t.Errorf("Unexpected dates written: %v", result.DatesWritten)
	}
}

func TestStore_StoreDailyRows_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// Parallel upserts must all land. Without WAL and a busy timeout the
	// losers of the write race fail with SQLITE_BUSY instead of queueing.
	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rows := testRows("2024-03-01")
			rows[0].EntityID = fmt.Sprintf("campaign-%d", id)
			_, err := store.StoreDailyRows(ctx, StoreParams{
				CustomerID: "cust-1",
				EntityType: EntityCampaign,
				Rows:       rows,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent StoreDailyRows failed: %v", err)
		}
	}

	aggs, _, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-01")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}
	if len(aggs) != writers {
		t.Errorf("Expected %d entities stored, got %d", writers, len(aggs))
	}
}

func TestStore_StoreDailyRows_MissingDate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rows := testRows("2024-03-01", "2024-03-02")
	rows[1].Date = ""

	_, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       rows,
	})
	if err == nil {
		t.Fatal("Expected an error for a row without a date")
	}
	if !errors.Is(err, ErrMissingDate) {
		t.Errorf("Expected ErrMissingDate in the chain, got %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected a ValidationError, got %T", err)
	}
	if verr.Index != 1 {
		t.Errorf("Expected failing index 1, got %d", verr.Index)
	}

	// Validation failure must not commit anything, not even the valid row.
	_, prov, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}
	if prov.RowCount != 0 {
		t.Errorf("Expected zero rows after failed validation, got %d", prov.RowCount)
	}
}

func TestStore_StoreDailyRows_UnparseableDate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rows := testRows("2024-03-01")
	rows[0].Date = "03/01/2024"

	_, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       rows,
	})
	if !errors.Is(err, ErrMissingDate) {
		t.Errorf("Expected ErrMissingDate for an unparseable date, got %v", err)
	}
}

func TestStore_StoreDailyRows_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	params := StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       testRows("2024-03-01"),
	}
	if _, err := store.StoreDailyRows(ctx, params); err != nil {
		t.Fatalf("First store failed: %v", err)
	}
	firstSync := *clock

	// Re-sync the same day an hour later with corrected numbers.
	*clock = clock.Add(time.Hour)
	params.Rows[0].Clicks = 60
	if _, err := store.StoreDailyRows(ctx, params); err != nil {
		t.Fatalf("Second store failed: %v", err)
	}

	aggs, prov, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-01")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}
	if prov.RowCount != 1 {
		t.Fatalf("Expected the upsert to replace, not duplicate; got %d rows", prov.RowCount)
	}
	if aggs["campaign-1"].Clicks != 60 {
		t.Errorf("Expected corrected clicks 60, got %d", aggs["campaign-1"].Clicks)
	}
	if !prov.OldestSync.After(firstSync) {
		t.Errorf("Expected synced_at to be re-stamped on rewrite, got %v", prov.OldestSync)
	}
}

func TestStore_StoreDailyRows_PartialFreshness(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// Clock is 2024-03-15 12:00 UTC; the 15th is "today", the 14th is done.
	_, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       testRows("2024-03-14", "2024-03-15"),
	})
	if err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	var fresh string
	err = store.sqlDB.QueryRow(
		`SELECT data_freshness FROM metrics_facts WHERE date = ?`, "2024-03-15",
	).Scan(&fresh)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if fresh != string(FreshnessPartial) {
		t.Errorf("Expected today's row to be PARTIAL, got %s", fresh)
	}

	err = store.sqlDB.QueryRow(
		`SELECT data_freshness FROM metrics_facts WHERE date = ?`, "2024-03-14",
	).Scan(&fresh)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if fresh != string(FreshnessFinal) {
		t.Errorf("Expected yesterday's row to be FINAL, got %s", fresh)
	}
}

func TestStore_StoreDailyRows_TimezoneToday(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	// 2024-03-15 02:00 UTC is still 2024-03-14 in Los Angeles.
	*clock = time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC)

	_, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Timezone:   "America/Los_Angeles",
		Rows:       testRows("2024-03-14"),
	})
	if err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	var fresh string
	if err := store.sqlDB.QueryRow(
		`SELECT data_freshness FROM metrics_facts WHERE date = ?`, "2024-03-14",
	).Scan(&fresh); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if fresh != string(FreshnessPartial) {
		t.Errorf("Expected the 14th to still be PARTIAL in Los Angeles, got %s", fresh)
	}
}

func TestStore_ReadAndAggregate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rows := []DailyRow{
		{EntityID: "campaign-1", Date: "2024-03-01", Impressions: 1000, Clicks: 50, CostMicros: 25_000_000, Conversions: 5, ConversionsValue: 100},
		{EntityID: "campaign-1", Date: "2024-03-02", Impressions: 2000, Clicks: 150, CostMicros: 75_000_000, Conversions: 15, ConversionsValue: 300},
		{EntityID: "campaign-2", Date: "2024-03-01", Impressions: 500, Clicks: 10, CostMicros: 5_000_000, Conversions: 1, ConversionsValue: 20},
	}
	if _, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1", EntityType: EntityCampaign, Rows: rows,
	}); err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	aggs, prov, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-03")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}

	c1 := aggs["campaign-1"]
	if c1 == nil {
		t.Fatal("Expected an aggregate for campaign-1")
	}
	if c1.Impressions != 3000 || c1.Clicks != 200 || c1.CostMicros != 100_000_000 {
		t.Errorf("Unexpected sums: %+v", c1)
	}
	if c1.Conversions != 20 || c1.ConversionsValue != 400 {
		t.Errorf("Unexpected conversion sums: %+v", c1)
	}
	// Derived metrics are recomputed over the summed range, 200/3000.
	if got, want := c1.CTR, float64(200)/float64(3000); got != want {
		t.Errorf("Expected CTR %v, got %v", want, got)
	}
	if got, want := c1.AverageCPC, float64(100_000_000)/float64(200); got != want {
		t.Errorf("Expected average CPC %v, got %v", want, got)
	}

	if aggs["campaign-2"].Impressions != 500 {
		t.Errorf("Unexpected campaign-2 aggregate: %+v", aggs["campaign-2"])
	}

	if prov.TotalDaysRequested != 3 {
		t.Errorf("Expected 3 requested days, got %d", prov.TotalDaysRequested)
	}
	if len(prov.CoveredDays) != 2 {
		t.Errorf("Expected 2 covered days, got %v", prov.CoveredDays)
	}
	if len(prov.MissingDays) != 1 || prov.MissingDays[0] != "2024-03-03" {
		t.Errorf("Expected 2024-03-03 missing, got %v", prov.MissingDays)
	}
	if prov.RowCount != 3 {
		t.Errorf("Expected row count 3, got %d", prov.RowCount)
	}
}

func TestStore_ReadAndAggregate_Empty(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	aggs, prov, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}
	if len(aggs) != 0 {
		t.Errorf("Expected no aggregates, got %v", aggs)
	}
	if prov.RowCount != 0 {
		t.Errorf("Expected zero rows, got %d", prov.RowCount)
	}
	if !prov.OldestSync.IsZero() {
		t.Errorf("Expected zero OldestSync, got %v", prov.OldestSync)
	}
	if len(prov.MissingDays) != 2 {
		t.Errorf("Expected both days missing, got %v", prov.MissingDays)
	}
}

func TestStore_ReadAndAggregate_ZeroDivision(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows: []DailyRow{
			{EntityID: "campaign-1", Date: "2024-03-01"}, // all zeros
		},
	}); err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	aggs, _, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-01")
	if err != nil {
		t.Fatalf("ReadAndAggregate failed: %v", err)
	}
	if aggs["campaign-1"].CTR != 0 || aggs["campaign-1"].AverageCPC != 0 {
		t.Errorf("Expected zero derived metrics for zero denominators, got %+v", aggs["campaign-1"])
	}
}

func TestStore_ReadAndAggregate_InvalidRange(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, _, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-05", "2024-03-01"); err == nil {
		t.Error("Expected an error for an inverted range")
	}
	if _, _, err := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "garbage", "2024-03-01"); err == nil {
		t.Error("Expected an error for an unparseable date")
	}
}

func TestStore_CheckCoverage(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1",
		EntityType: EntityCampaign,
		Rows:       testRows("2024-03-01", "2024-03-02", "2024-03-04"),
	}); err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	cov, err := store.CheckCoverage(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-04")
	if err != nil {
		t.Fatalf("CheckCoverage failed: %v", err)
	}
	if cov.Complete {
		t.Error("Expected incomplete coverage")
	}
	if len(cov.MissingDays) != 1 || cov.MissingDays[0] != "2024-03-03" {
		t.Errorf("Expected only 2024-03-03 missing, got %v", cov.MissingDays)
	}
	if cov.CoveragePercent != 75 {
		t.Errorf("Expected 75%% coverage, got %v", cov.CoveragePercent)
	}

	cov, err = store.CheckCoverage(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02")
	if err != nil {
		t.Fatalf("CheckCoverage failed: %v", err)
	}
	if !cov.Complete || cov.CoveragePercent != 100 {
		t.Errorf("Expected complete coverage, got %+v", cov)
	}
}

func TestStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rows := []DailyRow{
		{EntityID: "campaign-1", Date: "2024-03-01", Impressions: 1},
		{EntityID: "campaign-1", Date: "2024-03-02", Impressions: 1},
		{EntityID: "campaign-2", Date: "2024-03-01", Impressions: 1},
	}
	if _, err := store.StoreDailyRows(ctx, StoreParams{
		CustomerID: "cust-1", EntityType: EntityCampaign, Rows: rows,
	}); err != nil {
		t.Fatalf("StoreDailyRows failed: %v", err)
	}

	// Scoped to one entity.
	deleted, err := store.Invalidate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02", "campaign-1")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 rows deleted, got %d", deleted)
	}

	_, prov, _ := store.ReadAndAggregate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02")
	if prov.RowCount != 1 {
		t.Errorf("Expected campaign-2's row to survive, got %d rows", prov.RowCount)
	}

	// Unscoped removes the rest.
	deleted, err = store.Invalidate(ctx, "cust-1", EntityCampaign, "2024-03-01", "2024-03-02", "")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 row deleted, got %d", deleted)
	}
}

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		want    int
		wantErr bool
	}{
		{name: "single_day", start: "2024-03-01", end: "2024-03-01", want: 1},
		{name: "full_month", start: "2024-03-01", end: "2024-03-31", want: 31},
		{name: "leap_february", start: "2024-02-01", end: "2024-03-01", want: 30},
		{name: "inverted", start: "2024-03-02", end: "2024-03-01", wantErr: true},
		{name: "garbage", start: "not-a-date", end: "2024-03-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days, err := daysBetween(tt.start, tt.end)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("daysBetween failed: %v", err)
			}
			if len(days) != tt.want {
				t.Errorf("Expected %d days, got %d", tt.want, len(days))
			}
		})
	}
}
