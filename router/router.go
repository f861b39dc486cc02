package router

import (
	"context"
	"fmt"

	"github.com/marcelsud/payment-inbox/event"
	"github.com/rs/zerolog"
)

/* Router is the pure dispatch table from event kind to billing handler
 * The pipeline does not know what a handler does, only whether it
 * succeeded; handler errors are contained to the event's retry cycle
 */

// Handler applies one processed event to billing state
// It must be safe to call more than once for the same event: the
// pipeline guarantees at-most-meaningfully-once, not exactly-once
type Handler func(ctx context.Context, e event.Event) error

type Router struct {
	handlers map[event.Kind]Handler
	logger   zerolog.Logger
}

// New creates an empty router
func New(logger zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[event.Kind]Handler),
		logger:   logger,
	}
}

// Register binds a handler to an event kind
// Registering KindUnknown is rejected: unknown kinds are always a no-op
func (r *Router) Register(k event.Kind, h Handler) error {
	if !k.Known() {
		return fmt.Errorf("cannot register handler for unknown kind")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", k)
	}
	r.handlers[k] = h
	return nil
}

/* Dispatch routes the event to its handler
 * Unknown or unregistered kinds are acknowledged as a no-op success:
 * new event types from the processor must not break the pipeline
 */
func (r *Router) Dispatch(ctx context.Context, e event.Event) error {
	k := event.KindFromType(e.Type)

	h, ok := r.handlers[k]
	if !k.Known() || !ok {
		r.logger.Info().Str("event_id", e.ID).Str("event_type", e.Type).Msg("no handler for event type, acknowledging as no-op")
		return nil
	}

	if err := h(ctx, e); err != nil {
		return fmt.Errorf("handling %s: %w", e.Type, err)
	}
	return nil
}
