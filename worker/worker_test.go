package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcelsud/payment-inbox/alert"
	"github.com/marcelsud/payment-inbox/event"
	"github.com/marcelsud/payment-inbox/queue"
	"github.com/marcelsud/payment-inbox/queue/inprocess"
	"github.com/marcelsud/payment-inbox/router"
	"github.com/marcelsud/payment-inbox/routing"
	"github.com/marcelsud/payment-inbox/signature"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func rulesTable(t *testing.T, content string) *routing.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	table := routing.NewTable()
	require.NoError(t, table.Load(path))
	return table
}

/* Fakes drive the worker state machine directly through process(),
 * which keeps the tests deterministic without a live broker
 */

type memStore struct {
	mu     sync.Mutex
	events map[string]*event.Event

	markProcessingErr error
	stale             []event.Event
	failedForRetry    []event.Event
}

func newMemStore(events ...event.Event) *memStore {
	s := &memStore{events: make(map[string]*event.Event)}
	for i := range events {
		e := events[i]
		s.events[e.ID] = &e
	}
	return s
}

func (s *memStore) FindByEventID(ctx context.Context, id string) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return event.Event{}, event.ErrNotFound
	}
	return *e, nil
}

func (s *memStore) ListFailedForRetry(ctx context.Context, maxRetries, limit int) ([]event.Event, error) {
	return s.failedForRetry, nil
}

func (s *memStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]event.Event, error) {
	return s.stale, nil
}

func (s *memStore) CreateReceived(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return event.ErrDuplicate
	}
	copied := e
	s.events[e.ID] = &copied
	return nil
}

func (s *memStore) MarkProcessing(ctx context.Context, id string) error {
	if s.markProcessingErr != nil {
		return s.markProcessingErr
	}
	return s.transition(id, event.StatusProcessing)
}

func (s *memStore) MarkProcessed(ctx context.Context, id string) error {
	return s.transition(id, event.StatusProcessed)
}

func (s *memStore) MarkFailed(ctx context.Context, id string, errMsg string) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return event.Event{}, event.ErrNotFound
	}
	if !e.Status.CanTransitionTo(event.StatusFailed) {
		return event.Event{}, event.ErrInvalidTransition
	}
	e.Status = event.StatusFailed
	e.ErrorMessage = errMsg
	e.RetryCount++
	return *e, nil
}

func (s *memStore) Close(ctx context.Context) error { return nil }

func (s *memStore) transition(id string, next event.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return event.ErrNotFound
	}
	if !e.Status.CanTransitionTo(next) {
		return event.ErrInvalidTransition
	}
	e.Status = next
	return nil
}

func (s *memStore) get(t *testing.T, id string) event.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	require.True(t, ok)
	return *e
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []string
	retries  []scheduledRetry
	acked    []string
}

type scheduledRetry struct {
	eventID string
	delay   time.Duration
}

func (q *memQueue) Enqueue(ctx context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, eventID)
	return nil
}

func (q *memQueue) EnqueueRetry(ctx context.Context, eventID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, scheduledRetry{eventID: eventID, delay: delay})
	return nil
}

func (q *memQueue) Consume(ctx context.Context) ([]queue.Job, error) { return nil, nil }

func (q *memQueue) Ack(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, job.EventID)
	return nil
}

func (q *memQueue) Close(ctx context.Context) error { return nil }

type countingNotifier struct {
	mu       sync.Mutex
	sent     int
	subjects []string
}

func (n *countingNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *countingNotifier) bySeverity(severity string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for _, s := range n.subjects {
		if strings.Contains(s, "["+severity+"]") {
			count++
		}
	}
	return count
}

func receivedEvent(id, eventType string) event.Event {
	body := []byte(`{"type":"` + eventType + `","timestamp":"2026-01-01T12:00:00Z","data":{"id":"obj_1"}}`)
	return event.Event{
		ID:         id,
		Type:       eventType,
		Payload:    body,
		Status:     event.StatusReceived,
		ReceivedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func testWorker(t *testing.T, store event.Store, q queue.Queue, handler router.Handler, cfg Config) (*Worker, *countingNotifier) {
	t.Helper()
	r := router.New(zerolog.Nop())
	if handler != nil {
		require.NoError(t, r.Register(event.KindInvoicePaid, handler))
	}
	notifier := &countingNotifier{}
	gate := alert.NewGate(notifier, []string{"ops@example.com"}, 100, time.Minute, zerolog.Nop(), nil)
	return New(store, q, r, gate, nil, cfg, zerolog.Nop(), nil), notifier
}

func TestWorker_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("success - event processed and acked", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}
		w, _ := testWorker(t, store, q, func(ctx context.Context, e event.Event) error {
			return nil
		}, Config{})

		w.process(ctx, queue.Job{EventID: "evt_1"})

		assert.Equal(t, event.StatusProcessed, store.get(t, "evt_1").Status)
		assert.Equal(t, []string{"evt_1"}, q.acked)
		assert.Empty(t, q.retries)
	})

	t.Run("failure schedules retry with growing backoff", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}
		w, notifier := testWorker(t, store, q, func(ctx context.Context, e event.Event) error {
			return errors.New("billing down")
		}, Config{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})

		w.process(ctx, queue.Job{EventID: "evt_1"})
		w.process(ctx, queue.Job{EventID: "evt_1"})

		e := store.get(t, "evt_1")
		assert.Equal(t, event.StatusFailed, e.Status)
		assert.Equal(t, 2, e.RetryCount)
		assert.Contains(t, e.ErrorMessage, "billing down")

		require.Len(t, q.retries, 2)
		assert.Equal(t, time.Second, q.retries[0].delay)
		assert.Equal(t, 2*time.Second, q.retries[1].delay)
		assert.Greater(t, q.retries[1].delay, q.retries[0].delay)

		// Retries remain: warning-tier notifications only.
		assert.Equal(t, 2, notifier.bySeverity("warning"))
		assert.Equal(t, 0, notifier.bySeverity("critical"))
	})

	t.Run("retry ceiling triggers exactly one terminal alert", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}
		w, notifier := testWorker(t, store, q, func(ctx context.Context, e event.Event) error {
			return errors.New("billing down")
		}, Config{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})

		for i := 0; i < 3; i++ {
			w.process(ctx, queue.Job{EventID: "evt_1"})
		}

		e := store.get(t, "evt_1")
		assert.Equal(t, event.StatusFailed, e.Status)
		assert.Equal(t, 3, e.RetryCount)

		// Attempts 1 and 2 reschedule with a warning, attempt 3 escalates.
		assert.Len(t, q.retries, 2)
		assert.Equal(t, 2, notifier.bySeverity("warning"))
		assert.Equal(t, 1, notifier.bySeverity("critical"))
	})

	t.Run("lost claim race skips without side effects", func(t *testing.T) {
		e := receivedEvent("evt_1", "invoice.paid")
		e.Status = event.StatusProcessed
		store := newMemStore(e)
		q := &memQueue{}

		handlerCalled := false
		w, _ := testWorker(t, store, q, func(ctx context.Context, e event.Event) error {
			handlerCalled = true
			return nil
		}, Config{})

		w.process(ctx, queue.Job{EventID: "evt_1"})

		assert.False(t, handlerCalled)
		assert.Equal(t, event.StatusProcessed, store.get(t, "evt_1").Status)
		// The job is still acked so the queue can forget it.
		assert.Equal(t, []string{"evt_1"}, q.acked)
	})

	t.Run("missing event is acked and dropped", func(t *testing.T) {
		store := newMemStore()
		q := &memQueue{}
		w, _ := testWorker(t, store, q, nil, Config{})

		w.process(ctx, queue.Job{EventID: "ghost"})

		assert.Equal(t, []string{"ghost"}, q.acked)
	})

	t.Run("unknown event type is terminal no-op success", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "refund.created"))
		q := &memQueue{}
		w, notifier := testWorker(t, store, q, nil, Config{})

		w.process(ctx, queue.Job{EventID: "evt_1"})

		assert.Equal(t, event.StatusProcessed, store.get(t, "evt_1").Status)
		assert.Empty(t, q.retries)
		assert.Equal(t, 0, notifier.sent)
	})

	t.Run("handler timeout counts as a failed attempt", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}
		w, _ := testWorker(t, store, q, func(ctx context.Context, e event.Event) error {
			<-ctx.Done()
			return ctx.Err()
		}, Config{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute, HandlerTimeout: 20 * time.Millisecond})

		w.process(ctx, queue.Job{EventID: "evt_1"})

		e := store.get(t, "evt_1")
		assert.Equal(t, event.StatusFailed, e.Status)
		assert.Equal(t, 1, e.RetryCount)
		assert.Len(t, q.retries, 1)
	})
}

func TestWorker_ProcessWithRules(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled type acknowledged without handler call", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}

		handlerCalled := false
		r := router.New(zerolog.Nop())
		require.NoError(t, r.Register(event.KindInvoicePaid, func(ctx context.Context, e event.Event) error {
			handlerCalled = true
			return nil
		}))

		rules := rulesTable(t, `
rules:
  - event_type: "invoice.paid"
    enabled: false
`)
		gate := alert.NewGate(&countingNotifier{}, nil, 100, time.Minute, zerolog.Nop(), nil)
		w := New(store, q, r, gate, rules, Config{}, zerolog.Nop(), nil)

		w.process(ctx, queue.Job{EventID: "evt_1"})

		assert.False(t, handlerCalled)
		assert.Equal(t, event.StatusProcessed, store.get(t, "evt_1").Status)
	})

	t.Run("per-type retry ceiling override", func(t *testing.T) {
		store := newMemStore(receivedEvent("evt_1", "invoice.paid"))
		q := &memQueue{}

		r := router.New(zerolog.Nop())
		require.NoError(t, r.Register(event.KindInvoicePaid, func(ctx context.Context, e event.Event) error {
			return errors.New("boom")
		}))

		rules := rulesTable(t, `
rules:
  - event_type: "invoice.paid"
    max_retries: 1
`)
		notifier := &countingNotifier{}
		gate := alert.NewGate(notifier, []string{"ops@example.com"}, 100, time.Minute, zerolog.Nop(), nil)
		w := New(store, q, r, gate, rules, Config{MaxRetries: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute}, zerolog.Nop(), nil)

		// The rule caps retries at 1, so the first failure is terminal.
		w.process(ctx, queue.Job{EventID: "evt_1"})

		assert.Empty(t, q.retries)
		assert.Equal(t, 1, notifier.sent)
	})
}

func TestWorker_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("re-enqueues stale and retryable events", func(t *testing.T) {
		store := newMemStore()
		store.stale = []event.Event{
			{ID: "evt_stale_1", Status: event.StatusReceived},
			{ID: "evt_stale_2", Status: event.StatusProcessing},
		}
		store.failedForRetry = []event.Event{
			{ID: "evt_failed", Status: event.StatusFailed, RetryCount: 1},
		}
		q := &memQueue{}
		w, _ := testWorker(t, store, q, nil, Config{})

		require.NoError(t, w.sweep(ctx))

		assert.ElementsMatch(t, []string{"evt_stale_1", "evt_stale_2", "evt_failed"}, q.enqueued)
	})

	t.Run("nothing to sweep", func(t *testing.T) {
		store := newMemStore()
		q := &memQueue{}
		w, _ := testWorker(t, store, q, nil, Config{})

		require.NoError(t, w.sweep(ctx))
		assert.Empty(t, q.enqueued)
	})
}

func TestWorker_DispatchRateLimit(t *testing.T) {
	t.Run("positive rate yields a bounded limiter", func(t *testing.T) {
		w, _ := testWorker(t, newMemStore(), &memQueue{}, nil, Config{RatePerSecond: 10})
		require.NotNil(t, w.limiter)
		assert.Equal(t, rate.Limit(10), w.limiter.Limit())
		assert.Equal(t, 10, w.limiter.Burst())
	})

	t.Run("zero rate means unlimited", func(t *testing.T) {
		w, _ := testWorker(t, newMemStore(), &memQueue{}, nil, Config{})
		assert.Nil(t, w.limiter)
	})
}

/* Exercises the degraded-mode pipeline end to end: a signed delivery
 * goes through the intake service into the in-process queue and a
 * running worker carries the event to processed.
 */
func TestWorker_RunWithInProcessQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := signature.GenerateSecret(32)
	require.NoError(t, err)
	verifier, err := signature.NewVerifier([]signature.Secret{secret}, time.Minute)
	require.NoError(t, err)

	store := newMemStore()
	q := inprocess.New(8, zerolog.Nop())
	defer q.Close(ctx)

	svc := event.NewService(store, q, verifier, 3, zerolog.Nop(), nil)

	var handled int32
	r := router.New(zerolog.Nop())
	require.NoError(t, r.Register(event.KindInvoicePaid, func(ctx context.Context, e event.Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}))
	gate := alert.NewGate(&countingNotifier{}, []string{"ops@example.com"}, 100, time.Minute, zerolog.Nop(), nil)
	w := New(store, q, r, gate, nil, Config{Concurrency: 2}, zerolog.Nop(), nil)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(runCtx)
	}()

	body := []byte(`{"type":"invoice.paid","timestamp":"2026-01-01T12:00:00Z","data":{"invoice_id":"in_123"}}`)
	at := time.Now().UTC()
	sig, err := signature.Sign(secret, "evt_e2e", at, body)
	require.NoError(t, err)

	res, err := svc.Ingest(ctx, event.IngestRequest{
		EventID:   "evt_e2e",
		Timestamp: fmt.Sprintf("%d", at.Unix()),
		Signature: sig.String(),
		Body:      body,
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	require.Eventually(t, func() bool {
		e, err := store.FindByEventID(ctx, "evt_e2e")
		return err == nil && e.Status == event.StatusProcessed
	}, 8*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))

	stop()
	<-done
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.BaseBackoff)
	assert.Equal(t, 10*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SweepAfter)
	assert.Equal(t, 500, cfg.SweepLimit)
}
