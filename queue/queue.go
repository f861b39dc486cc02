package queue

import (
	"context"
	"time"
)

/* Queue decouples event receipt from processing
 * The durable implementation lives in queue/redis; queue/inprocess is
 * a degraded fallback used when the broker is unreachable at startup
 */

// Job is one claimed unit of work: an event ID plus the broker handle
// needed to acknowledge it
type Job struct {
	EventID string
	Handle  string
}

type Queue interface {
	/* Enqueue pushes an event for processing using the event ID as the
	 * job key; a second enqueue of the same ID before acknowledgment is
	 * a no-op (a second layer of idempotency under the event store)
	 */
	Enqueue(ctx context.Context, eventID string) error

	/* EnqueueRetry schedules a later re-delivery of the same event
	 * after the given backoff delay
	 */
	EnqueueRetry(ctx context.Context, eventID string, delay time.Duration) error

	/* Consume claims zero or more jobs, blocking briefly when the queue
	 * is empty. Claimed jobs stay pending until acknowledged.
	 */
	Consume(ctx context.Context) ([]Job, error)

	// Ack marks a claimed job as done and releases its job key
	Ack(ctx context.Context, job Job) error

	Close(ctx context.Context) error
}
