//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcelsud/payment-inbox/event"
	eventredis "github.com/marcelsud/payment-inbox/event/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedisStore(t *testing.T, ctx context.Context) *eventredis.Store {
	t.Helper()

	container, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	if len(addr) > 8 && addr[:8] == "redis://" {
		addr = addr[8:]
	}

	time.Sleep(1 * time.Second)

	store, err := eventredis.NewStore(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })
	return store
}

func testEvent(id string) event.Event {
	return event.Event{
		ID:         id,
		Type:       "invoice.paid",
		Payload:    []byte(`{"type":"invoice.paid","timestamp":"2026-01-01T12:00:00Z","data":{"id":"in_1"}}`),
		Status:     event.StatusReceived,
		ReceivedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t, ctx)

	t.Run("success - round trip", func(t *testing.T) {
		e := testEvent("evt_roundtrip")
		require.NoError(t, store.CreateReceived(ctx, e))

		got, err := store.FindByEventID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, e.Type, got.Type)
		assert.Equal(t, e.Payload, got.Payload)
		assert.Equal(t, event.StatusReceived, got.Status)
		assert.Equal(t, 0, got.RetryCount)
	})

	t.Run("error - duplicate create", func(t *testing.T) {
		e := testEvent("evt_dup")
		require.NoError(t, store.CreateReceived(ctx, e))

		err := store.CreateReceived(ctx, e)
		assert.ErrorIs(t, err, event.ErrDuplicate)
	})

	t.Run("error - not found", func(t *testing.T) {
		_, err := store.FindByEventID(ctx, "evt_missing")
		assert.ErrorIs(t, err, event.ErrNotFound)
	})
}

func TestStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t, ctx)

	t.Run("success - full lifecycle to processed", func(t *testing.T) {
		e := testEvent("evt_lifecycle")
		require.NoError(t, store.CreateReceived(ctx, e))

		require.NoError(t, store.MarkProcessing(ctx, e.ID))
		require.NoError(t, store.MarkProcessed(ctx, e.ID))

		got, err := store.FindByEventID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusProcessed, got.Status)
		assert.False(t, got.ProcessedAt.IsZero())
	})

	t.Run("error - double claim rejected", func(t *testing.T) {
		e := testEvent("evt_claim")
		require.NoError(t, store.CreateReceived(ctx, e))
		require.NoError(t, store.MarkProcessing(ctx, e.ID))

		err := store.MarkProcessing(ctx, e.ID)
		assert.ErrorIs(t, err, event.ErrInvalidTransition)
	})

	t.Run("concurrent claims yield exactly one winner", func(t *testing.T) {
		e := testEvent("evt_race")
		require.NoError(t, store.CreateReceived(ctx, e))

		const claimers = 8
		errs := make(chan error, claimers)
		var start sync.WaitGroup
		start.Add(1)
		for i := 0; i < claimers; i++ {
			go func() {
				start.Wait()
				errs <- store.MarkProcessing(ctx, e.ID)
			}()
		}
		start.Done()

		var won int
		for i := 0; i < claimers; i++ {
			err := <-errs
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, event.ErrInvalidTransition)
		}
		assert.Equal(t, 1, won, "exactly one worker may claim the event")
	})

	t.Run("error - processed is terminal", func(t *testing.T) {
		e := testEvent("evt_terminal")
		require.NoError(t, store.CreateReceived(ctx, e))
		require.NoError(t, store.MarkProcessing(ctx, e.ID))
		require.NoError(t, store.MarkProcessed(ctx, e.ID))

		assert.ErrorIs(t, store.MarkProcessing(ctx, e.ID), event.ErrInvalidTransition)
		_, err := store.MarkFailed(ctx, e.ID, "late failure")
		assert.ErrorIs(t, err, event.ErrInvalidTransition)
	})

	t.Run("failure increments retry count and allows re-entry", func(t *testing.T) {
		e := testEvent("evt_retry")
		require.NoError(t, store.CreateReceived(ctx, e))
		require.NoError(t, store.MarkProcessing(ctx, e.ID))

		updated, err := store.MarkFailed(ctx, e.ID, "billing down")
		require.NoError(t, err)
		assert.Equal(t, event.StatusFailed, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
		assert.Equal(t, "billing down", updated.ErrorMessage)

		// Failed events can be claimed again for the next attempt.
		require.NoError(t, store.MarkProcessing(ctx, e.ID))
		updated, err = store.MarkFailed(ctx, e.ID, "still down")
		require.NoError(t, err)
		assert.Equal(t, 2, updated.RetryCount)
	})
}

func TestStore_Listings(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t, ctx)

	t.Run("failed events under the retry ceiling", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			e := testEvent(fmt.Sprintf("evt_failed_%d", i))
			require.NoError(t, store.CreateReceived(ctx, e))
			require.NoError(t, store.MarkProcessing(ctx, e.ID))
			_, err := store.MarkFailed(ctx, e.ID, "boom")
			require.NoError(t, err)
		}

		// Exhaust retries for one of them.
		for i := 0; i < 2; i++ {
			require.NoError(t, store.MarkProcessing(ctx, "evt_failed_0"))
			_, err := store.MarkFailed(ctx, "evt_failed_0", "boom")
			require.NoError(t, err)
		}

		events, err := store.ListFailedForRetry(ctx, 3, 10)
		require.NoError(t, err)

		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		assert.ElementsMatch(t, []string{"evt_failed_1", "evt_failed_2"}, ids)
	})

	t.Run("stale events older than the cutoff", func(t *testing.T) {
		e := testEvent("evt_stale")
		require.NoError(t, store.CreateReceived(ctx, e))

		events, err := store.ListStale(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)

		ids := make([]string, 0, len(events))
		for _, se := range events {
			ids = append(ids, se.ID)
		}
		assert.Contains(t, ids, "evt_stale")

		// A cutoff in the past matches nothing fresh.
		events, err = store.ListStale(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		for _, se := range events {
			assert.NotEqual(t, "evt_stale", se.ID)
		}
	})
}
