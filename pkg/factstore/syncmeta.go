package factstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the lifecycle state of the most recent sync for a
// (customer, entity type) pair.
type SyncStatus string

const (
	SyncPending    SyncStatus = "PENDING"
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncCompleted  SyncStatus = "COMPLETED"
	SyncFailed     SyncStatus = "FAILED"
)

// SyncMetadata is one row per (customer, entity type), overwritten each run.
// Mutated only by the background worker; read by inspection endpoints.
type SyncMetadata struct {
	CustomerID        string     `json:"customer_id"`
	EntityType        string     `json:"entity_type"`
	Status            SyncStatus `json:"status"`
	LastSyncStarted   time.Time  `json:"last_sync_started"`
	LastSyncCompleted time.Time  `json:"last_sync_completed"`
	LastSyncedDate    string     `json:"last_synced_date"`
	RowsWritten       int64      `json:"rows_written"`
	LastSyncError     string     `json:"last_sync_error"`
}

// MarkSyncStarted records a sync transitioning to IN_PROGRESS.
func (s *Store) MarkSyncStarted(ctx context.Context, customerID, entityType string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO sync_metadata (customer_id, entity_type, status, last_sync_started, last_sync_error)
		VALUES (?, ?, ?, ?, '')
		ON CONFLICT (customer_id, entity_type) DO UPDATE SET
		    status            = excluded.status,
		    last_sync_started = excluded.last_sync_started,
		    last_sync_error   = ''`,
		customerID, entityType, string(SyncInProgress), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("mark sync started: %w", err)
	}
	return nil
}

// MarkSyncCompleted records a successful sync with its row count and the
// most recent date the sync covered.
func (s *Store) MarkSyncCompleted(ctx context.Context, customerID, entityType string, rowsWritten int64, lastSyncedDate string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO sync_metadata (customer_id, entity_type, status, last_sync_completed, last_synced_date, rows_written, last_sync_error)
		VALUES (?, ?, ?, ?, ?, ?, '')
		ON CONFLICT (customer_id, entity_type) DO UPDATE SET
		    status              = excluded.status,
		    last_sync_completed = excluded.last_sync_completed,
		    last_synced_date    = excluded.last_synced_date,
		    rows_written        = excluded.rows_written,
		    last_sync_error     = ''`,
		customerID, entityType, string(SyncCompleted), toMillis(s.now()), lastSyncedDate, rowsWritten)
	if err != nil {
		return fmt.Errorf("mark sync completed: %w", err)
	}
	return nil
}

// MarkSyncFailed records a failed sync with its error message.
func (s *Store) MarkSyncFailed(ctx context.Context, customerID, entityType, message string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO sync_metadata (customer_id, entity_type, status, last_sync_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (customer_id, entity_type) DO UPDATE SET
		    status          = excluded.status,
		    last_sync_error = excluded.last_sync_error`,
		customerID, entityType, string(SyncFailed), message)
	if err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}
	return nil
}

// GetSyncMetadata returns the sync row for one (customer, entity type).
// Returns ErrNotFound when no sync has ever run for the pair.
func (s *Store) GetSyncMetadata(ctx context.Context, customerID, entityType string) (*SyncMetadata, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT customer_id, entity_type, status,
		       COALESCE(last_sync_started, 0), COALESCE(last_sync_completed, 0),
		       last_synced_date, rows_written, last_sync_error
		  FROM sync_metadata
		 WHERE customer_id = ? AND entity_type = ?`,
		customerID, entityType)

	meta, err := scanSyncMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync metadata: %w", err)
	}
	return meta, nil
}

// ListSyncMetadata returns all sync rows for a customer.
func (s *Store) ListSyncMetadata(ctx context.Context, customerID string) ([]SyncMetadata, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT customer_id, entity_type, status,
		       COALESCE(last_sync_started, 0), COALESCE(last_sync_completed, 0),
		       last_synced_date, rows_written, last_sync_error
		  FROM sync_metadata
		 WHERE customer_id = ?
		 ORDER BY entity_type`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("list sync metadata: %w", err)
	}
	defer rows.Close()

	var out []SyncMetadata
	for rows.Next() {
		meta, err := scanSyncMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync metadata: %w", err)
		}
		out = append(out, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync metadata: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncMetadata(row rowScanner) (*SyncMetadata, error) {
	var (
		meta               SyncMetadata
		status             string
		started, completed int64
	)
	if err := row.Scan(&meta.CustomerID, &meta.EntityType, &status,
		&started, &completed, &meta.LastSyncedDate, &meta.RowsWritten, &meta.LastSyncError); err != nil {
		return nil, err
	}
	meta.Status = SyncStatus(status)
	if started > 0 {
		meta.LastSyncStarted = fromMillis(started)
	}
	if completed > 0 {
		meta.LastSyncCompleted = fromMillis(completed)
	}
	return &meta, nil
}
