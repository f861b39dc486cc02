package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/payment-inbox/alert"
	"github.com/marcelsud/payment-inbox/event"
	"github.com/marcelsud/payment-inbox/metrics"
	"github.com/marcelsud/payment-inbox/queue"
	"github.com/marcelsud/payment-inbox/router"
	"github.com/marcelsud/payment-inbox/routing"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

/* Worker drives the retry and backoff state machine per event:
 * received -> processing -> processed (success)
 * received -> processing -> failed -> reschedule with backoff, or
 * terminal failed + alert once the retry ceiling is reached
 *
 * Multiple worker instances may run against the same queue. The queue's
 * job-key dedup is the primary guard against double processing; the
 * store's status-transition validation is the second: a worker that
 * loses the claim race gets ErrInvalidTransition and aborts without
 * side effects.
 */

// Config carries the worker tuning knobs
type Config struct {
	Concurrency    int
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
	RatePerSecond  int
	SweepAfter     time.Duration
	SweepLimit     int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.SweepAfter <= 0 {
		c.SweepAfter = 5 * time.Minute
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
}

type Worker struct {
	ID      string
	store   event.Store
	queue   queue.Queue
	router  *router.Router
	gate    *alert.Gate
	rules   *routing.Table
	limiter *rate.Limiter
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Pipeline
}

// New creates a worker; rules may be nil to use defaults for every type
func New(store event.Store, q queue.Queue, r *router.Router, gate *alert.Gate, rules *routing.Table, cfg Config, logger zerolog.Logger, m *metrics.Pipeline) *Worker {
	cfg.applyDefaults()
	id := "worker-" + uuid.New().String()

	/* Bounds total handler dispatch rate so backlog catch-up after an
	 * outage cannot overwhelm downstream dependencies
	 * A nil limiter means unlimited
	 */
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}

	return &Worker{
		ID:      id,
		store:   store,
		queue:   q,
		router:  r,
		gate:    gate,
		rules:   rules,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With().Str("worker_id", id).Logger(),
		metrics: m,
	}
}

/* Run sweeps work lost to a previous crash, then consumes jobs with a
 * fixed number of goroutines until the context is cancelled
 */
func (w *Worker) Run(ctx context.Context) error {
	if err := w.sweep(ctx); err != nil {
		w.logger.Error().Err(err).Msg("startup sweep failed")
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	wg.Wait()

	return ctx.Err()
}

/* sweep re-enqueues events whose progress was lost to a restart:
 * stale received/processing records (crash between persist and enqueue,
 * or mid-attempt) and failed records under the retry ceiling (retry
 * timers lost in degraded in-process mode)
 */
func (w *Worker) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-w.cfg.SweepAfter)

	stale, err := w.store.ListStale(ctx, cutoff, w.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("listing stale events: %w", err)
	}

	retryable, err := w.store.ListFailedForRetry(ctx, w.cfg.MaxRetries, w.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("listing retryable events: %w", err)
	}

	requeued := 0
	for _, e := range append(stale, retryable...) {
		if err := w.queue.Enqueue(ctx, e.ID); err != nil {
			w.logger.Error().Str("event_id", e.ID).Err(err).Msg("sweep enqueue failed")
			continue
		}
		requeued++
	}

	if requeued > 0 {
		w.logger.Info().Int("requeued", requeued).Msg("startup sweep re-enqueued unfinished events")
	}
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := w.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error().Err(err).Msg("consuming jobs")
			continue
		}

		for _, job := range jobs {
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
			}
			w.process(ctx, job)
		}
	}
}

/* process runs one attempt for one event
 * Errors inside the handler are contained to this event's retry cycle
 * and never affect other events; every path acknowledges the job
 */
func (w *Worker) process(ctx context.Context, job queue.Job) {
	defer w.ack(ctx, job)

	err := w.store.MarkProcessing(ctx, job.EventID)
	if errors.Is(err, event.ErrInvalidTransition) {
		// Another worker holds or already finished this event.
		w.logger.Debug().Str("event_id", job.EventID).Msg("event already claimed, skipping")
		return
	}
	if errors.Is(err, event.ErrNotFound) {
		w.logger.Error().Str("event_id", job.EventID).Msg("queued event missing from store")
		return
	}
	if err != nil {
		w.logger.Error().Str("event_id", job.EventID).Err(err).Msg("claiming event")
		return
	}

	e, err := w.store.FindByEventID(ctx, job.EventID)
	if err != nil {
		w.logger.Error().Str("event_id", job.EventID).Err(err).Msg("loading event payload")
		return
	}

	maxRetries := w.cfg.MaxRetries
	timeout := w.cfg.HandlerTimeout
	if rule, ok := w.rules.Get(e.Type); ok {
		if !rule.Enabled {
			// Operationally muted type: terminal no-op success.
			if err := w.store.MarkProcessed(ctx, e.ID); err != nil {
				w.logger.Error().Str("event_id", e.ID).Err(err).Msg("marking muted event processed")
			}
			return
		}
		if rule.MaxRetries != nil {
			maxRetries = *rule.MaxRetries
		}
		if t, ok := rule.HandlerTimeout(); ok {
			timeout = t
		}
	}

	/* A handler exceeding its timeout is treated identically to a
	 * returned error: it counts as a failed attempt and consumes a retry
	 */
	hctx, cancel := context.WithTimeout(ctx, timeout)
	handlerErr := w.router.Dispatch(hctx, e)
	if handlerErr == nil && hctx.Err() != nil {
		handlerErr = hctx.Err()
	}
	cancel()

	if handlerErr == nil {
		if err := w.store.MarkProcessed(ctx, e.ID); err != nil {
			w.logger.Error().Str("event_id", e.ID).Err(err).Msg("marking event processed")
			return
		}
		w.metrics.IncProcessed(ctx)
		return
	}

	updated, err := w.store.MarkFailed(ctx, e.ID, handlerErr.Error())
	if err != nil {
		w.logger.Error().Str("event_id", e.ID).Err(err).Msg("marking event failed")
		return
	}
	w.metrics.IncFailed(ctx)

	if updated.RetryCount < maxRetries {
		delay := Backoff(updated.RetryCount, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
		w.logger.Warn().
			Str("event_id", e.ID).
			Int("retry_count", updated.RetryCount).
			Dur("delay", delay).
			Err(handlerErr).
			Msg("processing failed, retry scheduled")
		if err := w.queue.EnqueueRetry(ctx, e.ID, delay); err != nil {
			w.logger.Error().Str("event_id", e.ID).Err(err).Msg("scheduling retry")
			return
		}
		w.metrics.IncRetried(ctx)

		// Warning tier: one attempt failed but retries remain.
		w.gate.NotifyFailure(ctx, alert.Failure{
			EventID:    updated.ID,
			EventType:  updated.Type,
			Err:        updated.ErrorMessage,
			RetryCount: updated.RetryCount,
			Final:      false,
		})
		return
	}

	// Retries exhausted: permanently failed, escalate to a human.
	w.gate.NotifyFailure(ctx, alert.Failure{
		EventID:    updated.ID,
		EventType:  updated.Type,
		Err:        updated.ErrorMessage,
		RetryCount: updated.RetryCount,
		Final:      true,
	})
}

func (w *Worker) ack(ctx context.Context, job queue.Job) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Error().Str("event_id", job.EventID).Err(err).Msg("acknowledging job")
	}
}
