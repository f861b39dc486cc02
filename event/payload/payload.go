package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// eventTypePattern validates event types: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

/* Notification is the decoded body of a payment processor delivery
 * The raw bytes are what gets persisted and signed; this envelope only
 * exposes the fields the pipeline routes on
 */
type Notification struct {
	// Type is a full-stop delimited type associated with the event
	// Examples: "invoice.paid", "subscription.created"
	Type string `json:"type"`

	// Timestamp is the ISO 8601 formatted timestamp of when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Data is the processor-defined event body, kept opaque to the pipeline
	Data json.RawMessage `json:"data"`
}

// Validate validates the notification structure
func (n Notification) Validate() error {
	if n.Type == "" {
		return fmt.Errorf("type is required")
	}

	if !eventTypePattern.MatchString(n.Type) {
		return fmt.Errorf("type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", n.Type)
	}

	if n.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if len(n.Data) == 0 {
		return fmt.Errorf("data is required")
	}

	if !json.Valid(n.Data) {
		return fmt.Errorf("data must be valid JSON")
	}

	return nil
}

// MarshalJSON returns the JSON encoding of the notification
func (n Notification) MarshalJSON() ([]byte, error) {
	type Alias Notification
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Timestamp: n.Timestamp.Format(time.RFC3339Nano),
		Alias:     (*Alias)(&n),
	})
}

// UnmarshalJSON parses the JSON-encoded data and stores the result
func (n *Notification) UnmarshalJSON(data []byte) error {
	type Alias Notification
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(n),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshaling notification: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		// Try RFC3339 without nano precision
		timestamp, err = time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parsing timestamp: %w", err)
		}
	}
	n.Timestamp = timestamp

	return nil
}

// New creates a new Notification with the given type and data
func New(eventType string, data interface{}) (Notification, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return Notification{}, fmt.Errorf("marshaling data: %w", err)
	}

	n := Notification{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	if err := n.Validate(); err != nil {
		return Notification{}, fmt.Errorf("validating notification: %w", err)
	}

	return n, nil
}

// Parse parses a raw delivery body into a Notification
func Parse(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("unmarshaling notification: %w", err)
	}

	if err := n.Validate(); err != nil {
		return Notification{}, fmt.Errorf("validating notification: %w", err)
	}

	return n, nil
}

// Bytes returns the JSON-encoded notification as bytes
// The returned bytes are minified (no extra whitespace)
func (n Notification) Bytes() ([]byte, error) {
	return json.Marshal(n)
}

// ValidateEventType validates an event type format
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}

	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("event type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", eventType)
	}

	return nil
}
