package event

/* Kind is the closed set of payment notification kinds the pipeline
 * understands, plus an explicit unknown variant
 * Routing is done over this sum type rather than raw event-type strings
 * so that new processor event types degrade to KindUnknown (a no-op
 * success) instead of breaking intake
 */
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoicePaid
	KindInvoiceFailed
	KindCheckoutCompleted
	KindTrialWillEnd
)

// String returns the processor event-type string for the kind
func (k Kind) String() string {
	switch k {
	case KindSubscriptionCreated:
		return "subscription.created"
	case KindSubscriptionUpdated:
		return "subscription.updated"
	case KindSubscriptionDeleted:
		return "subscription.deleted"
	case KindInvoicePaid:
		return "invoice.paid"
	case KindInvoiceFailed:
		return "invoice.payment_failed"
	case KindCheckoutCompleted:
		return "checkout.completed"
	case KindTrialWillEnd:
		return "subscription.trial_will_end"
	default:
		return "unknown"
	}
}

// KindFromType maps a processor event-type string to a Kind
// Unrecognized types map to KindUnknown, never to an error
func KindFromType(eventType string) Kind {
	switch eventType {
	case "subscription.created":
		return KindSubscriptionCreated
	case "subscription.updated":
		return KindSubscriptionUpdated
	case "subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.paid":
		return KindInvoicePaid
	case "invoice.payment_failed":
		return KindInvoiceFailed
	case "checkout.completed":
		return KindCheckoutCompleted
	case "subscription.trial_will_end":
		return KindTrialWillEnd
	default:
		return KindUnknown
	}
}

// Known reports whether the kind has a registered meaning
func (k Kind) Known() bool {
	return k > KindUnknown && k <= KindTrialWillEnd
}
