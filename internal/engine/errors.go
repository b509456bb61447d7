package engine

import (
	"context"
	"errors"
	"fmt"

	"pcal/internal/model"
	"pcal/internal/recurrence"
	"pcal/internal/store"
)

var (
	// ErrInvalidEvent is returned by Upsert for events that fail basic
	// validation (missing id, end before start, unknown timezone, an
	// exception whose uid differs from its master's).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrOrphanedException marks an exception whose master does not exist.
	// The exception is stored but stays inert until the master reappears.
	// It is logged, never returned from Upsert.
	ErrOrphanedException = errors.New("orphaned exception")

	// ErrWindowExtension wraps a per-series materialization failure. One
	// failing series never blocks the others.
	ErrWindowExtension = errors.New("window extension failed")
)

// SeriesError is one series that could not be materialized.
type SeriesError struct {
	MasterID model.EventID
	Err      error
}

func (e *SeriesError) Error() string {
	return fmt.Sprintf("series %d: %v", e.MasterID, e.Err)
}

func (e *SeriesError) Unwrap() []error {
	return []error{ErrWindowExtension, e.Err}
}

// IsDataError reports errors that only a corrected edit can fix. They are
// not retried automatically.
func IsDataError(err error) bool {
	return errors.Is(err, recurrence.ErrInvalidRecurrence) ||
		errors.Is(err, recurrence.ErrExpansionLimit) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrOrphanedException)
}

// IsTransient reports errors worth retrying, such as cancellation or a
// storage failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsDataError(err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
