package db

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDataAccess is returned when a source query fails for any reason other than its deadline
	ErrDataAccess = errors.New("data access failure")
	// ErrTimeout is returned when a source query exceeds the configured query timeout.
	// It usually means the legacy database is overloaded, not that the data is wrong
	ErrTimeout = errors.New("query timeout")
	// ErrStorage is returned when the change-tracking store cannot be reached or prepared
	ErrStorage = errors.New("change tracking storage failure")
)

// classify wraps err with ErrTimeout when the per-query deadline fired and the caller's
// context is still alive, ErrDataAccess otherwise
func classify(parent context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDataAccess, op, err)
}
