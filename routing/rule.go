package routing

import (
	"fmt"
	"time"

	"github.com/marcelsud/payment-inbox/event/payload"
)

/* Rule is a per-event-type processing override
 * Types without a rule use the pipeline defaults; a disabled type is
 * acknowledged as a no-op success without invoking its handler
 */
type Rule struct {
	EventType             string
	Enabled               bool
	MaxRetries            *int // Optional: override the global retry ceiling
	HandlerTimeoutSeconds *int // Optional: override the per-handler timeout
}

// Validate checks if the rule configuration is valid
func (r *Rule) Validate() error {
	if err := payload.ValidateEventType(r.EventType); err != nil {
		return fmt.Errorf("invalid event_type: %w", err)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative for %s", r.EventType)
	}
	if r.HandlerTimeoutSeconds != nil && *r.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("handler_timeout_seconds must be positive for %s", r.EventType)
	}
	return nil
}

// HandlerTimeout returns the override timeout, if any
func (r *Rule) HandlerTimeout() (time.Duration, bool) {
	if r.HandlerTimeoutSeconds == nil {
		return 0, false
	}
	return time.Duration(*r.HandlerTimeoutSeconds) * time.Second, true
}
