package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcelsud/payment-inbox/event"
	"github.com/marcelsud/payment-inbox/event/payload"
	"github.com/marcelsud/payment-inbox/router"
	"github.com/rs/zerolog"
)

/* Billing-side handlers for the event router
 * This package is the integration boundary with the subscription domain:
 * each handler decodes the processor data payload into its typed form
 * and applies it through the Applier. The pipeline only observes
 * success or failure.
 */

// Subscription is the processor's subscription object, as delivered
type Subscription struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	TrialEnd   int64  `json:"trial_end,omitempty"`
}

// Invoice is the processor's invoice object, as delivered
type Invoice struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// Checkout is the processor's completed checkout session
type Checkout struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
}

/* Applier mutates subscription records in response to decoded events
 * Implementations must be idempotent per event: the pipeline may invoke
 * a handler again for an event whose side effects partially applied
 */
type Applier interface {
	ApplySubscriptionCreated(ctx context.Context, s Subscription) error
	ApplySubscriptionUpdated(ctx context.Context, s Subscription) error
	ApplySubscriptionDeleted(ctx context.Context, s Subscription) error
	ApplyInvoicePaid(ctx context.Context, inv Invoice) error
	ApplyInvoiceFailed(ctx context.Context, inv Invoice) error
	ApplyCheckoutCompleted(ctx context.Context, c Checkout) error
	ApplyTrialWillEnd(ctx context.Context, s Subscription) error
}

// Register wires one handler per known event kind into the router
func Register(r *router.Router, applier Applier) error {
	handlers := map[event.Kind]router.Handler{
		event.KindSubscriptionCreated: subscriptionHandler(applier.ApplySubscriptionCreated),
		event.KindSubscriptionUpdated: subscriptionHandler(applier.ApplySubscriptionUpdated),
		event.KindSubscriptionDeleted: subscriptionHandler(applier.ApplySubscriptionDeleted),
		event.KindTrialWillEnd:        subscriptionHandler(applier.ApplyTrialWillEnd),
		event.KindInvoicePaid:         invoiceHandler(applier.ApplyInvoicePaid),
		event.KindInvoiceFailed:       invoiceHandler(applier.ApplyInvoiceFailed),
		event.KindCheckoutCompleted:   checkoutHandler(applier.ApplyCheckoutCompleted),
	}

	for kind, h := range handlers {
		if err := r.Register(kind, h); err != nil {
			return fmt.Errorf("registering %s handler: %w", kind, err)
		}
	}
	return nil
}

func subscriptionHandler(apply func(context.Context, Subscription) error) router.Handler {
	return func(ctx context.Context, e event.Event) error {
		var s Subscription
		if err := decodeData(e, &s); err != nil {
			return err
		}
		return apply(ctx, s)
	}
}

func invoiceHandler(apply func(context.Context, Invoice) error) router.Handler {
	return func(ctx context.Context, e event.Event) error {
		var inv Invoice
		if err := decodeData(e, &inv); err != nil {
			return err
		}
		return apply(ctx, inv)
	}
}

func checkoutHandler(apply func(context.Context, Checkout) error) router.Handler {
	return func(ctx context.Context, e event.Event) error {
		var c Checkout
		if err := decodeData(e, &c); err != nil {
			return err
		}
		return apply(ctx, c)
	}
}

func decodeData(e event.Event, v interface{}) error {
	n, err := payload.Parse(e.Payload)
	if err != nil {
		return fmt.Errorf("parsing stored payload: %w", err)
	}
	if err := json.Unmarshal(n.Data, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return nil
}

/* LogApplier records applied events without touching subscription state
 * Stands in for the real billing service in development and in the
 * degraded single-process deployment
 */
type LogApplier struct {
	Logger zerolog.Logger
}

func (a LogApplier) ApplySubscriptionCreated(ctx context.Context, s Subscription) error {
	a.Logger.Info().Str("subscription_id", s.ID).Str("customer_id", s.CustomerID).Msg("subscription created")
	return nil
}

func (a LogApplier) ApplySubscriptionUpdated(ctx context.Context, s Subscription) error {
	a.Logger.Info().Str("subscription_id", s.ID).Str("status", s.Status).Msg("subscription updated")
	return nil
}

func (a LogApplier) ApplySubscriptionDeleted(ctx context.Context, s Subscription) error {
	a.Logger.Info().Str("subscription_id", s.ID).Msg("subscription deleted")
	return nil
}

func (a LogApplier) ApplyInvoicePaid(ctx context.Context, inv Invoice) error {
	a.Logger.Info().Str("invoice_id", inv.ID).Int64("amount_cents", inv.AmountCents).Msg("invoice paid")
	return nil
}

func (a LogApplier) ApplyInvoiceFailed(ctx context.Context, inv Invoice) error {
	a.Logger.Warn().Str("invoice_id", inv.ID).Msg("invoice payment failed")
	return nil
}

func (a LogApplier) ApplyCheckoutCompleted(ctx context.Context, c Checkout) error {
	a.Logger.Info().Str("checkout_id", c.ID).Msg("checkout completed")
	return nil
}

func (a LogApplier) ApplyTrialWillEnd(ctx context.Context, s Subscription) error {
	a.Logger.Info().Str("subscription_id", s.ID).Msg("trial ending soon")
	return nil
}
