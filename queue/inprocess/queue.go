package inprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcelsud/payment-inbox/queue"
	"github.com/rs/zerolog"
)

/* In-process implementation of queue.Queue: the degraded mode used when
 * the durable broker is unreachable at startup
 * Jobs live in a bounded channel and retries in timers, so both are
 * lost on process restart; the worker startup sweep recovers them from
 * the event store. This is an accepted degraded mode, not a silent
 * failure, and is logged as such by the caller.
 */

const consumeTimeout = 1 * time.Second

type Queue struct {
	jobs   chan string
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timers  map[string]*time.Timer
	closed  bool
}

// New creates an in-process queue with a bounded buffer
func New(size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		jobs:    make(chan string, size),
		pending: make(map[string]struct{}),
		timers:  make(map[string]*time.Timer),
		logger:  logger,
	}
}

// Enqueue submits an event for processing, deduplicated by event ID
func (q *Queue) Enqueue(ctx context.Context, eventID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	if _, ok := q.pending[eventID]; ok {
		q.mu.Unlock()
		// Already queued or in flight: a no-op, not an error.
		return nil
	}
	q.pending[eventID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- eventID:
		return nil
	default:
		q.forget(eventID)
		return fmt.Errorf("in-process queue is full")
	}
}

/* EnqueueRetry re-submits the event after the given delay using an
 * in-process timer. The job key is claimed only when the timer fires,
 * so the caller is free to ack the current attempt in the meantime
 * without opening a window for duplicate live jobs: if a fresh job for
 * the same event arrives before the timer, the fire is a no-op.
 */
func (q *Queue) EnqueueRetry(ctx context.Context, eventID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if t, ok := q.timers[eventID]; ok {
		t.Stop()
	}
	q.timers[eventID] = time.AfterFunc(delay, func() {
		q.deliverRetry(eventID)
	})
	return nil
}

func (q *Queue) deliverRetry(eventID string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, eventID)
	if _, ok := q.pending[eventID]; ok {
		// A live job for this event already exists; the retry is moot.
		q.mu.Unlock()
		return
	}
	q.pending[eventID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- eventID:
	default:
		q.forget(eventID)
		q.logger.Error().Str("event_id", eventID).Msg("in-process queue full, dropping retry")
	}
}

// Consume blocks briefly for the next job
func (q *Queue) Consume(ctx context.Context) ([]queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case id := <-q.jobs:
		return []queue.Job{{EventID: id}}, nil
	case <-time.After(consumeTimeout):
		return nil, nil
	}
}

// Ack releases the job key so the event can be enqueued again later
func (q *Queue) Ack(ctx context.Context, job queue.Job) error {
	q.forget(job.EventID)
	return nil
}

// Close stops outstanding retry timers
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[string]*time.Timer)
	return nil
}

func (q *Queue) forget(eventID string) {
	q.mu.Lock()
	delete(q.pending, eventID)
	q.mu.Unlock()
}
