package event

import (
	"context"
	"errors"
	"time"
)

/* Small, focused interfaces following "The Go Way"
 * Interfaces abstract behavior, not things
 * Written for users of the API, not just for testing
 */

/* Sentinel errors for the store
 * Duplicate arrivals are an expected, non-exceptional case: callers
 * check ErrDuplicate with errors.Is and acknowledge without reprocessing
 */
var (
	ErrDuplicate         = errors.New("event already exists")
	ErrNotFound          = errors.New("event not found")
	ErrInvalidTransition = errors.New("status transition not permitted")
)

// Reader provides read operations for stored events
type Reader interface {
	/* Context is always the first parameter in functions that do I/O
	 * This allows for cancellation, timeouts, and shared values
	 */
	FindByEventID(ctx context.Context, id string) (Event, error)
	/* ListFailedForRetry returns failed events with RetryCount below
	 * maxRetries, oldest first, for manual or scheduled reprocessing
	 */
	ListFailedForRetry(ctx context.Context, maxRetries, limit int) ([]Event, error)
	/* ListStale returns events stuck in Received or Processing whose
	 * last update is older than the cutoff
	 * Used by the worker startup sweep to resume work lost to a crash
	 */
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Event, error)
}

// Writer provides the status transitions the worker drives
type Writer interface {
	/* CreateReceived persists a newly verified event with status Received
	 * Returns ErrDuplicate if an event with the same ID already exists;
	 * the record is never deleted by the pipeline (audit/replay trail)
	 */
	CreateReceived(ctx context.Context, e Event) error
	/* MarkProcessing claims the event for a processing attempt
	 * Returns ErrInvalidTransition when another worker already holds or
	 * finished it, which the caller treats as "lose the race, do nothing"
	 */
	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
	/* MarkFailed records the failure reason, increments RetryCount and
	 * returns the updated event so the caller can decide between
	 * rescheduling and terminal abandonment
	 */
	MarkFailed(ctx context.Context, id string, errMsg string) (Event, error)
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Store interface {
	Reader
	Writer
	Close(ctx context.Context) error
}
