package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/payment-inbox/metrics"
	"github.com/rs/zerolog"
)

/* Gate is the rate-limited escalation channel to human operators
 * It throttles repeated notifications for the same failure class with a
 * per-key sliding window; throttled failures are still logged at full
 * detail. The window state is process-local and best-effort by design:
 * it reduces alert noise, it never suppresses retry logic.
 */

// Severity of a failure notification
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Failure describes one processing failure worth escalating
type Failure struct {
	EventID    string
	EventType  string
	Err        string
	RetryCount int
	// Final is true when retries are exhausted and the event is
	// permanently stuck; this escalates the severity to critical
	Final bool
}

// Notifier delivers an outbound notification; delivery is best-effort
// and must never block the worker
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Gate struct {
	notifier   Notifier
	recipients []string
	limit      int
	window     time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Pipeline

	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewGate creates an alerting gate allowing at most limit notifications
// per key within the sliding window
func NewGate(notifier Notifier, recipients []string, limit int, window time.Duration, logger zerolog.Logger, m *metrics.Pipeline) *Gate {
	if limit <= 0 {
		limit = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Gate{
		notifier:   notifier,
		recipients: recipients,
		limit:      limit,
		window:     window,
		logger:     logger,
		metrics:    m,
		windows:    make(map[string][]time.Time),
		now:        time.Now,
	}
}

/* NotifyFailure escalates a processing failure, throttled per event type
 * Notification delivery errors are logged and swallowed: failures of
 * the alerting channel itself never propagate back into the worker
 */
func (g *Gate) NotifyFailure(ctx context.Context, f Failure) {
	severity := SeverityWarning
	if f.Final {
		severity = SeverityCritical
	}

	logEvent := g.logger.Error()
	if !f.Final {
		logEvent = g.logger.Warn()
	}
	logEvent.
		Str("event_id", f.EventID).
		Str("event_type", f.EventType).
		Str("severity", severity.String()).
		Int("retry_count", f.RetryCount).
		Str("error", f.Err).
		Msg("payment event processing failure")

	if !g.allow(f.EventType) {
		g.metrics.IncThrottled(ctx)
		return
	}

	alertID := uuid.New().String()
	subject := fmt.Sprintf("[%s] payment event %s failed (%s)", severity, f.EventID, f.EventType)
	body := fmt.Sprintf(
		"Alert %s\n\nEvent ID: %s\nEvent type: %s\nSeverity: %s\nAttempts: %d\nLast error: %s\n",
		alertID, f.EventID, f.EventType, severity, f.RetryCount, f.Err,
	)
	if f.Final {
		body += "\nRetries are exhausted. The event requires manual retry via the recovery endpoint.\n"
	}

	for _, to := range g.recipients {
		if err := g.notifier.Send(ctx, to, subject, body); err != nil {
			g.logger.Error().Str("alert_id", alertID).Str("to", to).Err(err).Msg("alert delivery failed")
		}
	}
	g.metrics.IncAlerted(ctx)
}

/* allow implements the per-key sliding window and evicts idle keys so
 * the map cannot grow without bound across failure classes
 */
func (g *Gate) allow(key string) bool {
	now := g.now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, times := range g.windows {
		pruned := prune(times, cutoff)
		if len(pruned) == 0 {
			delete(g.windows, k)
			continue
		}
		g.windows[k] = pruned
	}

	times := g.windows[key]
	if len(times) >= g.limit {
		return false
	}
	g.windows[key] = append(times, now)
	return true
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
