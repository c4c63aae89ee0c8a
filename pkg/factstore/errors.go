package factstore

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingDate indicates a row in a store batch had no date. This is
	// a caller bug, not a transient condition: the whole batch is rejected
	// with zero writes.
	ErrMissingDate = errors.New("row missing date")

	// ErrNotFound indicates the requested sync metadata row does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a rejected store batch. No rows were written.
type ValidationError struct {
	Index  int // offending row position within the batch
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid row at index %d: %v", e.Index, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// PartialWriteError reports a batch that failed after some rows were already
// committed. RowsWritten tells the caller exactly how far the write got; the
// store is in a known partial state, not corrupted.
type PartialWriteError struct {
	RowsWritten int
	Err         error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d rows written before error: %v", e.RowsWritten, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
