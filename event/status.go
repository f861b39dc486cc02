package event

import "fmt"

/* Status represents the current state of a payment event in the pipeline
 * Follows the lifecycle: Received -> Processing -> Processed/Failed
 * Failed -> Processing is allowed only as a retry re-entry;
 * Processed is terminal and never transitions anywhere
 */
type Status int

const (
	StatusReceived Status = iota + 1
	StatusProcessing
	StatusProcessed
	StatusFailed
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewStatus creates a Status from a string
func NewStatus(str string) Status {
	switch str {
	case "received":
		return StatusReceived
	case "processing":
		return StatusProcessing
	case "processed":
		return StatusProcessed
	case "failed":
		return StatusFailed
	default:
		return StatusReceived
	}
}

// Validate checks if the status is valid
func (s Status) Validate() error {
	if s < StatusReceived || s > StatusFailed {
		return fmt.Errorf("invalid status: %d", s)
	}
	return nil
}

/* CanTransitionTo enforces the forward-only status machine
 * A worker that loses a claim race finds the event already in
 * Processing or Processed and must abort without side effects
 */
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusReceived:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		// Retry re-entry only.
		return next == StatusProcessing
	case StatusProcessed:
		return false
	default:
		return false
	}
}
