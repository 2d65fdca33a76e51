package events

// Type names an analytics event.
type Type string

const (
	TrialActivated      Type = "trial_activated"
	SubscriptionRenewed Type = "subscription_renewed"
	SubscriptionExpired Type = "subscription_expired"
	MandateCreated      Type = "mandate_created"
	MandateFailed       Type = "mandate_failed"
	MandatePaused       Type = "mandate_paused"
	MandateResumed      Type = "mandate_resumed"
	MandateRevoked      Type = "mandate_revoked"
	RefundProcessed     Type = "refund_processed"
)

// AllTypes returns every event type the service emits.
func AllTypes() []Type {
	return []Type{
		TrialActivated,
		SubscriptionRenewed,
		SubscriptionExpired,
		MandateCreated,
		MandateFailed,
		MandatePaused,
		MandateResumed,
		MandateRevoked,
		RefundProcessed,
	}
}
