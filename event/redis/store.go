package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/marcelsud/payment-inbox/event"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of event.Store
 * Uses Redis Hashes for event records (event:{event_id}) with HSETNX as
 * the unique-key guard behind the idempotency check, plus two sorted
 * sets as secondary indexes:
 *   events:inflight  - received/processing events, scored by last update
 *   events:failed    - failed events, scored by last update
 */

const (
	hashPrefix  = "event"           // event:{event_id}
	inflightKey = "events:inflight" // ZSET for the startup sweep
	failedKey   = "events:failed"   // ZSET for retry listing, oldest first
)

/* Status transitions are Lua scripts so that reading the current
 * status, validating the transition, and writing the update happen as
 * one atomic step. Without that, two workers could both observe
 * "received" and both claim the same event.
 * Scripts return "OK" on success, "NF" when the event hash is missing,
 * and the current status string when the transition is not allowed.
 */

var markProcessingScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then return 'NF' end
if current ~= 'received' and current ~= 'failed' then return current end
redis.call('HSET', KEYS[1], 'status', 'processing', 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 'OK'
`)

var markProcessedScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then return 'NF' end
if current ~= 'processing' then return current end
redis.call('HSET', KEYS[1], 'status', 'processed', 'processed_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 'OK'
`)

var markFailedScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then return 'NF' end
if current ~= 'processing' then return current end
redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2], 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[3])
return 'OK'
`)

type Store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed event store
func NewStore(addr, password string, db int) (*Store, error) {
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

	return &Store{client: client}, nil
}

// CreateReceived persists a new event, failing with ErrDuplicate when
// the event ID has been seen before
func (s *Store) CreateReceived(ctx context.Context, e event.Event) error {
	key := hashKey(e.ID)

	/* HSETNX on the id field is the unique-key enforcement: exactly one
	 * concurrent create wins, every other arrival observes the field
	 * already set
	 */
	created, err := s.client.HSetNX(ctx, key, "id", e.ID).Result()
	if err != nil {
		return fmt.Errorf("creating event record: %w", err)
	}
	if !created {
		return event.ErrDuplicate
	}

	now := e.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err = s.client.HSet(ctx, key, map[string]interface{}{
		"event_type":  e.Type,
		"payload":     e.Payload,
		"status":      event.StatusReceived.String(),
		"retry_count": 0,
		"error":       "",
		"received_at": e.ReceivedAt.Unix(),
		"updated_at":  now.Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("storing event fields: %w", err)
	}

	if err := s.client.ZAdd(ctx, inflightKey, redis.Z{Score: float64(now.Unix()), Member: e.ID}).Err(); err != nil {
		return fmt.Errorf("indexing event: %w", err)
	}

	return nil
}

// FindByEventID retrieves an event by its processor-assigned ID
func (s *Store) FindByEventID(ctx context.Context, id string) (event.Event, error) {
	data, err := s.client.HGetAll(ctx, hashKey(id)).Result()
	if err != nil {
		return event.Event{}, fmt.Errorf("getting event: %w", err)
	}
	if len(data) == 0 {
		return event.Event{}, event.ErrNotFound
	}

	e := event.Event{
		ID:           data["id"],
		Type:         data["event_type"],
		Payload:      []byte(data["payload"]),
		Status:       event.NewStatus(data["status"]),
		RetryCount:   int(parseInt64(data["retry_count"])),
		ErrorMessage: data["error"],
		ReceivedAt:   time.Unix(parseInt64(data["received_at"]), 0),
		UpdatedAt:    time.Unix(parseInt64(data["updated_at"]), 0),
	}
	if v := parseInt64(data["processed_at"]); v > 0 {
		e.ProcessedAt = time.Unix(v, 0)
	}

	return e, nil
}

// MarkProcessing atomically claims the event for a processing attempt;
// a lost claim race surfaces as ErrInvalidTransition
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	res, err := markProcessingScript.Run(ctx, s.client,
		[]string{hashKey(id), inflightKey, failedKey}, now, id).Text()
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return transitionResult(res, event.StatusProcessing)
}

// MarkProcessed records terminal success
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	res, err := markProcessedScript.Run(ctx, s.client,
		[]string{hashKey(id), inflightKey, failedKey}, now, id).Text()
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return transitionResult(res, event.StatusProcessed)
}

// MarkFailed records the failure reason and increments the retry count,
// returning the updated event
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) (event.Event, error) {
	now := time.Now().UTC().Unix()
	res, err := markFailedScript.Run(ctx, s.client,
		[]string{hashKey(id), inflightKey, failedKey}, now, errMsg, id).Text()
	if err != nil {
		return event.Event{}, fmt.Errorf("updating status: %w", err)
	}
	if err := transitionResult(res, event.StatusFailed); err != nil {
		return event.Event{}, err
	}

	return s.FindByEventID(ctx, id)
}

// transitionResult maps a transition script's reply onto the store's
// sentinel errors
func transitionResult(res string, target event.Status) error {
	switch res {
	case "OK":
		return nil
	case "NF":
		return event.ErrNotFound
	default:
		return fmt.Errorf("%w: %s -> %s", event.ErrInvalidTransition, res, target)
	}
}

// ListFailedForRetry returns failed events still under the retry
// ceiling, oldest first
func (s *Store) ListFailedForRetry(ctx context.Context, maxRetries, limit int) ([]event.Event, error) {
	ids, err := s.client.ZRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing failed events: %w", err)
	}

	var events []event.Event
	for _, id := range ids {
		if limit > 0 && len(events) >= limit {
			break
		}
		e, err := s.FindByEventID(ctx, id)
		if err != nil {
			continue
		}
		if e.Status == event.StatusFailed && e.RetryCount < maxRetries {
			events = append(events, e)
		}
	}

	return events, nil
}

// ListStale returns received/processing events whose last update is
// older than the cutoff, oldest first
func (s *Store) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]event.Event, error) {
	opts := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", olderThan.Unix()),
	}
	if limit > 0 {
		opts.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, inflightKey, opts).Result()
	if err != nil {
		return nil, fmt.Errorf("listing stale events: %w", err)
	}

	var events []event.Event
	for _, id := range ids {
		e, err := s.FindByEventID(ctx, id)
		if err != nil {
			continue
		}
		events = append(events, e)
	}

	return events, nil
}

// Close closes the Redis connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close()
}

func hashKey(id string) string {
	return fmt.Sprintf("%s:%s", hashPrefix, id)
}

func parseInt64(s string) int64 {
	var result int64
	fmt.Sscanf(s, "%d", &result)
	return result
}
