package signature

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

/* Standard Webhooks header names carried by every processor delivery */
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	// DefaultTolerance bounds how far a delivery timestamp may drift
	// from server time before it is rejected as a replay
	DefaultTolerance = 5 * time.Minute
)

// ErrInvalidSignature is returned for any authentication failure:
// bad signature, missing header, or timestamp outside the tolerance window
var ErrInvalidSignature = errors.New("invalid signature")

/* Verifier validates that an inbound payload was genuinely produced by
 * the payment processor. Construction happens once at process startup;
 * verification is pure and safe for concurrent use.
 * Multiple secrets are supported for zero-downtime secret rotation.
 */
type Verifier struct {
	secrets   []Secret
	tolerance time.Duration
}

// NewVerifier creates a Verifier from one or more signing secrets
func NewVerifier(secrets []Secret, tolerance time.Duration) (*Verifier, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("at least one signing secret is required")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secrets:   secrets,
		tolerance: tolerance,
	}, nil
}

/* Verify authenticates a raw delivery body against its headers
 * The body must be the exact bytes received on the wire: any
 * re-serialization breaks signature matching
 */
func (v *Verifier) Verify(msgID, timestampHeader, signatureHeader string, body []byte) error {
	if msgID == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderID)
	}

	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: parsing %s header: %v", ErrInvalidSignature, HeaderTimestamp, err)
	}
	timestamp := time.Unix(unix, 0)

	drift := time.Since(timestamp)
	if drift > v.tolerance || drift < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance window", ErrInvalidSignature)
	}

	signatures, err := ParseSignatureHeader(signatureHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	valid, err := VerifyMultiple(v.secrets, msgID, timestamp, body, signatures)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !valid {
		return ErrInvalidSignature
	}

	return nil
}
