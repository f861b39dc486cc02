package alert

import (
	"context"

	"github.com/rs/zerolog"
)

/* LogNotifier writes notifications to the structured log instead of an
 * outbound mail channel
 * Used when no mail integration is configured, and as the safe default
 * in development
 */
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the notification
func (n *LogNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Str("body", body).
		Msg("operator notification")
	return nil
}
