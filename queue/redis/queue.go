package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/payment-inbox/queue"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

/* Redis Streams implementation of queue.Queue
 * Uses a single stream with a consumer group for at-most-one delivery
 * per claimed job, a SETNX key per event ID for job-key deduplication,
 * and a sorted set as the delayed-retry index
 */

const (
	streamKey     = "payments:jobs"
	groupName     = "payment-workers"
	dedupPrefix   = "payments:jobs:dedup" // payments:jobs:dedup:{event_id}
	retryKey      = "payments:jobs:retry" // ZSET scored by due time
	dedupTTL      = 24 * time.Hour
	consumeBlock  = 1 * time.Second
	consumeCount  = 10
	moverInterval = 1 * time.Second
	moverBatch    = 100
)

type Queue struct {
	client   *redis.Client
	consumer string
	logger   zerolog.Logger
}

// New connects to Redis and ensures the consumer group exists
// An unreachable broker is reported here so the caller can fall back
// to in-process scheduling
func New(addr, password string, db int, logger zerolog.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// Ignore error if group already exists
	client.XGroupCreateMkStream(ctx, streamKey, groupName, "0")

	return &Queue{
		client:   client,
		consumer: "worker-" + uuid.New().String(),
		logger:   logger,
	}, nil
}

// Enqueue pushes an event ID onto the stream, deduplicated by job key
func (q *Queue) Enqueue(ctx context.Context, eventID string) error {
	set, err := q.client.SetNX(ctx, dedupKey(eventID), 1, dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("setting dedup key: %w", err)
	}
	if !set {
		// Already queued or in flight: a no-op, not an error.
		return nil
	}

	if err := q.add(ctx, eventID); err != nil {
		return err
	}
	return nil
}

// EnqueueRetry schedules a delayed re-delivery via the retry index
// The job key is re-claimed by the mover when the entry comes due, not
// here, so the current attempt can still be acked in the meantime
func (q *Queue) EnqueueRetry(ctx context.Context, eventID string, delay time.Duration) error {
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, retryKey, redis.Z{Score: due, Member: eventID}).Err(); err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

// Consume claims up to consumeCount jobs from the consumer group
func (q *Queue) Consume(ctx context.Context) ([]queue.Job, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: q.consumer,
		Streams:  []string{streamKey, ">"},
		Count:    consumeCount,
		Block:    consumeBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	if len(streams) == 0 {
		return nil, nil
	}

	var jobs []queue.Job
	for _, msg := range streams[0].Messages {
		eventID, ok := msg.Values["event_id"].(string)
		if !ok {
			continue
		}
		jobs = append(jobs, queue.Job{EventID: eventID, Handle: msg.ID})
	}

	return jobs, nil
}

// Ack acknowledges the stream message and releases the job key so the
// same event can be re-enqueued later (e.g. by manual retry)
func (q *Queue) Ack(ctx context.Context, job queue.Job) error {
	if err := q.client.XAck(ctx, streamKey, groupName, job.Handle).Err(); err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	q.client.Del(ctx, dedupKey(job.EventID))
	return nil
}

/* RunRetryMover moves due entries from the retry index onto the stream
 * Runs until the context is cancelled; intended as a goroutine in the
 * worker process
 */
func (q *Queue) RunRetryMover(ctx context.Context) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.moveDue(ctx); err != nil {
				q.logger.Error().Err(err).Msg("moving due retries")
			}
		}
	}
}

func (q *Queue) moveDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: moverBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("listing due retries: %w", err)
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, retryKey, id).Result()
		if err != nil {
			return fmt.Errorf("removing due retry: %w", err)
		}
		if removed == 0 {
			// Another mover instance claimed it.
			continue
		}
		set, err := q.client.SetNX(ctx, dedupKey(id), 1, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("setting dedup key: %w", err)
		}
		if !set {
			// A live job for this event already exists; the retry is moot.
			continue
		}
		if err := q.add(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// Depth reports the number of entries currently on the stream
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading stream length: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection
func (q *Queue) Close(ctx context.Context) error {
	return q.client.Close()
}

func (q *Queue) add(ctx context.Context, eventID string) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"event_id": eventID},
	}).Result()
	if err != nil {
		return fmt.Errorf("adding to stream: %w", err)
	}
	return nil
}

func dedupKey(eventID string) string {
	return fmt.Sprintf("%s:%s", dedupPrefix, eventID)
}
