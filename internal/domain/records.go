package domain

import "time"

// TxnStatus is the state of a debit attempt.
type TxnStatus string

const (
	TxnPending  TxnStatus = "PENDING"
	TxnSuccess  TxnStatus = "SUCCESS"
	TxnFailed   TxnStatus = "FAILED"
	TxnRefunded TxnStatus = "REFUNDED"
)

// Terminal reports whether the transaction outcome is final.
func (s TxnStatus) Terminal() bool {
	return s == TxnSuccess || s == TxnFailed || s == TxnRefunded
}

// MandateTransaction records one debit attempt against a mandate.
type MandateTransaction struct {
	ID             string
	MandateID      string
	PgTxnID        string
	PaymentID      string
	Amount         int64
	SequenceNumber int
	Status         TxnStatus
	RawPayloadID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NotificationStatus is the state of a pre-debit notification.
type NotificationStatus string

const (
	NotificationSent     NotificationStatus = "SENT"
	NotificationPending  NotificationStatus = "PENDING"
	NotificationSuccess  NotificationStatus = "SUCCESS"
	NotificationFailed   NotificationStatus = "FAILED"
	NotificationExecuted NotificationStatus = "EXECUTED"
)

// MandateNotification is one pre-debit notification cycle.
type MandateNotification struct {
	ID               string
	MandateID        string
	PgNotificationID string
	PgExecutionID    string
	SequenceNumber   int
	Amount           int64
	DebitAt          time.Time
	Status           NotificationStatus
	StatusHistory    []StatusEntry
	RawPayloadID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SetStatus records a status change; it reports false when nothing changed.
func (n *MandateNotification) SetStatus(status NotificationStatus, at time.Time) bool {
	if n.Status == status {
		return false
	}
	n.Status = status
	n.StatusHistory = append(n.StatusHistory, StatusEntry{Status: string(status), At: at})
	n.UpdatedAt = at
	return true
}

// RefundInitiator identifies who requested a refund.
type RefundInitiator string

const (
	RefundBySystem RefundInitiator = "SYSTEM"
	RefundByUser   RefundInitiator = "USER"
	RefundByAgent  RefundInitiator = "AGENT"
)

// RefundStatus is the state of a refund.
type RefundStatus string

const (
	RefundInitiated RefundStatus = "INITIATED"
	RefundSuccess   RefundStatus = "SUCCESS"
	RefundFailed    RefundStatus = "FAILED"
)

// MandateRefund reverses exactly one MandateTransaction.
type MandateRefund struct {
	ID            string
	MandateID     string
	TransactionID string
	PgRefundID    string
	Amount        int64
	Initiator     RefundInitiator
	Status        RefundStatus
	StatusHistory []StatusEntry
	RawPayloadID  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SubscriptionStatus is the user-visible entitlement state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

// TrialWindow bounds the trial portion of a subscription.
type TrialWindow struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

// SubscriptionEvent is one append-only subscription history record.
type SubscriptionEvent struct {
	Status  SubscriptionStatus `json:"status"`
	StartAt time.Time          `json:"startAt"`
	EndAt   time.Time          `json:"endAt"`
	TxnID   string             `json:"txnId,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	At      time.Time          `json:"at"`
}

// UserSubscription is the entitlement window. MandateID is a weak reference
// and may be empty when the subscription did not originate from a mandate.
type UserSubscription struct {
	ID        string
	UserID    string
	PlanID    string
	MandateID string
	StartAt   time.Time
	EndAt     time.Time
	Status    SubscriptionStatus
	Trial     *TrialWindow
	LastTxnID string
	History   []SubscriptionEvent
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record appends a history entry reflecting the current window.
func (s *UserSubscription) Record(at time.Time, txnID, reason string) {
	s.History = append(s.History, SubscriptionEvent{
		Status:  s.Status,
		StartAt: s.StartAt,
		EndAt:   s.EndAt,
		TxnID:   txnID,
		Reason:  reason,
		At:      at,
	})
	s.UpdatedAt = at
}

// PayloadDirection marks whether a PSP payload was received or sent.
type PayloadDirection string

const (
	DirectionInbound  PayloadDirection = "inbound"
	DirectionOutbound PayloadDirection = "outbound"
)

// WebhookPayload is an append-only audit record of a PSP payload.
type WebhookPayload struct {
	ID        string
	PG        PG
	Operation string
	Direction PayloadDirection
	Body      []byte
	CreatedAt time.Time
}
