package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcelsud/payment-inbox/event/payload"
	"github.com/marcelsud/payment-inbox/metrics"
	"github.com/rs/zerolog"
)

/* Service represents the business logic layer: the intake orchestrator
 * Uses pointer semantics as it's an API, not data
 *
 * Persist-first: an event is durably recorded before any processing is
 * attempted, and the sender is acknowledged as soon as persistence
 * completes. Processing happens after acknowledgment so slow handlers
 * never cause the processor to time out and redeliver needlessly.
 */

// Enqueuer hands verified, persisted events off for async processing
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID string) error
}

// Verifier authenticates an inbound payload against the shared secret
type Verifier interface {
	Verify(msgID, timestampHeader, signatureHeader string, body []byte) error
}

// IngestRequest carries the raw intake input: the unparsed body plus
// the identity and signature headers set by the payment processor
type IngestRequest struct {
	EventID   string
	Timestamp string
	Signature string
	Body      []byte
}

// IngestResult is what the sender learns: accepted, and whether this
// delivery was a duplicate of an already recorded event
type IngestResult struct {
	EventID   string
	Duplicate bool
}

// UseCase defines the business operations for payment event intake
type UseCase interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	Get(ctx context.Context, id string) (Event, error)
	RetryFailed(ctx context.Context, maxToRetry int) (int, error)
}

type Service struct {
	Store      Store
	Queue      Enqueuer
	Sig        Verifier
	MaxRetries int
	Logger     zerolog.Logger
	Metrics    *metrics.Pipeline
}

// NewService creates a new intake service with dependency injection
func NewService(store Store, queue Enqueuer, sig Verifier, maxRetries int, logger zerolog.Logger, m *metrics.Pipeline) *Service {
	return &Service{
		Store:      store,
		Queue:      queue,
		Sig:        sig,
		MaxRetries: maxRetries,
		Logger:     logger,
		Metrics:    m,
	}
}

/* Ingest runs the intake algorithm in order:
 * verify signature -> duplicate check -> persist Received -> enqueue
 * An unverified payload is never written to the store; a duplicate
 * delivery is acknowledged without re-enqueueing or re-processing
 */
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := s.Sig.Verify(req.EventID, req.Timestamp, req.Signature, req.Body); err != nil {
		// Security-relevant: a forged or replayed delivery.
		s.Logger.Warn().Str("event_id", req.EventID).Err(err).Msg("rejected payment event with invalid signature")
		s.Metrics.IncRejected(ctx)
		return IngestResult{}, fmt.Errorf("verifying signature: %w", err)
	}

	n, err := payload.Parse(req.Body)
	if err != nil {
		return IngestResult{}, fmt.Errorf("parsing notification payload: %w", err)
	}

	_, err = s.Store.FindByEventID(ctx, req.EventID)
	if err == nil {
		// Processor redelivery: already recorded, nothing to re-trigger.
		s.Metrics.IncDuplicate(ctx)
		return IngestResult{EventID: req.EventID, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return IngestResult{}, fmt.Errorf("looking up event: %w", err)
	}

	e := Event{
		ID:         req.EventID,
		Type:       n.Type,
		Payload:    req.Body,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	err = s.Store.CreateReceived(ctx, e)
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with a concurrent delivery of the same ID.
		s.Metrics.IncDuplicate(ctx)
		return IngestResult{EventID: req.EventID, Duplicate: true}, nil
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("persisting event: %w", err)
	}
	s.Metrics.IncReceived(ctx)

	/* The event is durably recorded at this point. An enqueue failure is
	 * logged but does not fail intake: the worker startup sweep picks up
	 * events stuck in Received
	 */
	if err := s.Queue.Enqueue(ctx, req.EventID); err != nil {
		s.Logger.Error().Str("event_id", req.EventID).Err(err).Msg("enqueue failed, event will be recovered by sweep")
	}

	return IngestResult{EventID: req.EventID, Duplicate: false}, nil
}

// Get returns the audit record for an event
func (s *Service) Get(ctx context.Context, id string) (Event, error) {
	e, err := s.Store.FindByEventID(ctx, id)
	if err != nil {
		return Event{}, fmt.Errorf("getting event: %w", err)
	}
	return e, nil
}

/* RetryFailed is the manual recovery surface: re-submits events still in
 * terminal failed state with RetryCount below the maximum
 * Intended for recovering from extended downstream outages without
 * waiting for automatic backoff
 */
func (s *Service) RetryFailed(ctx context.Context, maxToRetry int) (int, error) {
	events, err := s.Store.ListFailedForRetry(ctx, s.MaxRetries, maxToRetry)
	if err != nil {
		return 0, fmt.Errorf("listing failed events: %w", err)
	}

	requeued := 0
	for _, e := range events {
		if err := s.Queue.Enqueue(ctx, e.ID); err != nil {
			s.Logger.Error().Str("event_id", e.ID).Err(err).Msg("manual retry enqueue failed")
			continue
		}
		requeued++
	}

	s.Logger.Info().Int("requeued", requeued).Int("candidates", len(events)).Msg("manual retry of failed events")
	return requeued, nil
}
