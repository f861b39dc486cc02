package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

/* HMAC-SHA256 signing per the Standard Webhooks convention used by the
 * payment processor. The signed content is {msgID}.{timestamp}.{payload}
 * over the raw body bytes.
 */

const (
	// SecretPrefix is the prefix for symmetric signing secrets
	SecretPrefix = "whsec_"

	// SignatureVersion is the version identifier for symmetric signatures
	SignatureVersion = "v1"

	// MinSecretBytes is the minimum accepted secret size (192 bits)
	MinSecretBytes = 24

	// MaxSecretBytes is the maximum accepted secret size (512 bits)
	MaxSecretBytes = 64
)

// Secret represents a shared signing secret
type Secret struct {
	raw    []byte
	base64 string
}

// GenerateSecret creates a new cryptographically secure signing secret
// between MinSecretBytes and MaxSecretBytes in size
func GenerateSecret(size int) (Secret, error) {
	if size < MinSecretBytes || size > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return Secret{}, fmt.Errorf("generating random bytes: %w", err)
	}

	return Secret{
		raw:    raw,
		base64: SecretPrefix + base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// ParseSecret parses a base64-encoded secret with the whsec_ prefix
func ParseSecret(encoded string) (Secret, error) {
	if !strings.HasPrefix(encoded, SecretPrefix) {
		return Secret{}, fmt.Errorf("secret must start with %s prefix", SecretPrefix)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, SecretPrefix))
	if err != nil {
		return Secret{}, fmt.Errorf("decoding base64 secret: %w", err)
	}

	if len(raw) < MinSecretBytes || len(raw) > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	return Secret{
		raw:    raw,
		base64: encoded,
	}, nil
}

// String returns the base64-encoded secret with prefix
func (s Secret) String() string {
	return s.base64
}

// Bytes returns the raw secret bytes
func (s Secret) Bytes() []byte {
	return s.raw
}

// Signature is a single versioned signature value
type Signature struct {
	Version   string
	Signature string
}

// String returns the signature in the format: v1,<base64_signature>
func (s Signature) String() string {
	return fmt.Sprintf("%s,%s", s.Version, s.Signature)
}

// ParseSignature parses a signature string in the format: v1,<base64_signature>
func ParseSignature(sig string) (Signature, error) {
	parts := strings.SplitN(sig, ",", 2)
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format, expected 'version,signature'")
	}

	return Signature{
		Version:   parts[0],
		Signature: parts[1],
	}, nil
}

// compute produces the raw HMAC over {msgID}.{timestamp}.{payload}
// A '.' in the message ID would make the signed content ambiguous
func compute(secret Secret, msgID string, timestamp time.Time, payload []byte) ([]byte, error) {
	if strings.Contains(msgID, ".") {
		return nil, fmt.Errorf("message ID must not contain '.'")
	}

	mac := hmac.New(sha256.New, secret.Bytes())
	fmt.Fprintf(mac, "%s.%s.%s", msgID, strconv.FormatInt(timestamp.Unix(), 10), payload)
	return mac.Sum(nil), nil
}

// Sign creates a signature over {msgID}.{timestamp}.{payload}
func Sign(secret Secret, msgID string, timestamp time.Time, payload []byte) (Signature, error) {
	sum, err := compute(secret, msgID, timestamp, payload)
	if err != nil {
		return Signature{}, err
	}

	return Signature{
		Version:   SignatureVersion,
		Signature: base64.StdEncoding.EncodeToString(sum),
	}, nil
}

// Verify checks a single signature using constant-time comparison
func Verify(secret Secret, msgID string, timestamp time.Time, payload []byte, presented Signature) (bool, error) {
	if presented.Version != SignatureVersion {
		return false, fmt.Errorf("unsupported signature version: %s", presented.Version)
	}

	got, err := base64.StdEncoding.DecodeString(presented.Signature)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}

	want, err := compute(secret, msgID, timestamp, payload)
	if err != nil {
		return false, fmt.Errorf("calculating signature: %w", err)
	}

	return hmac.Equal(got, want), nil
}

// VerifyMultiple checks a payload against multiple signatures and secrets
// (for secret rotation). Returns true if any combination is valid.
func VerifyMultiple(secrets []Secret, msgID string, timestamp time.Time, payload []byte, signatures []Signature) (bool, error) {
	if len(secrets) == 0 || len(signatures) == 0 {
		return false, fmt.Errorf("must provide at least one secret and one signature")
	}

	for _, sig := range signatures {
		for _, secret := range secrets {
			valid, err := Verify(secret, msgID, timestamp, payload, sig)
			if err != nil {
				// Keep trying other combinations.
				continue
			}
			if valid {
				return true, nil
			}
		}
	}

	return false, nil
}

// ParseSignatureHeader parses the webhook-signature header, which contains
// space-delimited signatures: "v1,sig1 v1,sig2"
func ParseSignatureHeader(header string) ([]Signature, error) {
	parts := strings.Fields(header)
	if len(parts) == 0 {
		return nil, fmt.Errorf("signature header is empty")
	}

	signatures := make([]Signature, 0, len(parts))
	for _, part := range parts {
		sig, err := ParseSignature(part)
		if err != nil {
			return nil, fmt.Errorf("parsing signature '%s': %w", part, err)
		}
		signatures = append(signatures, sig)
	}

	return signatures, nil
}
