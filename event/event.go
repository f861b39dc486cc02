package event

import "time"

/* Event is the durable record of one inbound payment notification
 * Uses value semantics as it represents data, not behavior
 * The ID is assigned by the payment processor and doubles as the
 * idempotency key: a second arrival of the same ID must never create
 * a second record or re-trigger billing side effects
 */
type Event struct {
	ID           string
	Type         string
	Payload      []byte
	Status       Status
	RetryCount   int
	ErrorMessage string
	ReceivedAt   time.Time
	ProcessedAt  time.Time
	UpdatedAt    time.Time
}

// Processed reports whether the event reached terminal success
func (e Event) Processed() bool {
	return e.Status == StatusProcessed
}
