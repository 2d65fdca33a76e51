package domain

import (
	"context"
	"time"
)

// MandateRepository persists mandates.
type MandateRepository interface {
	Create(ctx context.Context, m *Mandate) error
	Get(ctx context.Context, id string) (Mandate, error)
	// ListByUser returns the user's mandates, newest first.
	ListByUser(ctx context.Context, userID string) ([]Mandate, error)
	Update(ctx context.Context, m Mandate) error
	SetSequenceNumber(ctx context.Context, id string, seq int) error
}

// TransactionRepository persists debit attempts.
type TransactionRepository interface {
	Create(ctx context.Context, t *MandateTransaction) error
	FindByPgTxnID(ctx context.Context, mandateID, pgTxnID string) (MandateTransaction, error)
	FindByPaymentID(ctx context.Context, paymentID string) (MandateTransaction, error)
	Update(ctx context.Context, t MandateTransaction) error
	CountSuccessfulByUser(ctx context.Context, userID string) (int, error)
}

// NotificationRepository persists pre-debit notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *MandateNotification) error
	Get(ctx context.Context, id string) (MandateNotification, error)
	FindByPgNotificationID(ctx context.Context, pgNotificationID string) (MandateNotification, error)
	LatestForMandate(ctx context.Context, mandateID string) (MandateNotification, error)
	Update(ctx context.Context, n MandateNotification) error
	// ListReadyForExecution returns SUCCESS notifications that are the latest
	// for their mandate and whose debit time is not after dueBefore.
	ListReadyForExecution(ctx context.Context, dueBefore time.Time, afterID string, limit int) ([]MandateNotification, error)
	// ListStale returns SENT or PENDING notifications last updated before olderThan.
	ListStale(ctx context.Context, olderThan time.Time, afterID string, limit int) ([]MandateNotification, error)
}

// RefundRepository persists refunds.
type RefundRepository interface {
	Create(ctx context.Context, r *MandateRefund) error
	FindByTransactionID(ctx context.Context, transactionID string) (MandateRefund, error)
	Update(ctx context.Context, r MandateRefund) error
}

// RenewalWindow bounds the endAt range scanned by the notification scheduler.
type RenewalWindow struct {
	From time.Time
	To   time.Time
}

// SubscriptionRepository persists user subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, s *UserSubscription) error
	Get(ctx context.Context, id string) (UserSubscription, error)
	// CurrentForUser returns the user's most recently created subscription.
	CurrentForUser(ctx context.Context, userID string) (UserSubscription, error)
	ActiveForUser(ctx context.Context, userID string) (UserSubscription, error)
	LatestForMandate(ctx context.Context, mandateID string) (UserSubscription, error)
	HasTrial(ctx context.Context, userID string) (bool, error)
	// ListRenewalCandidates returns non-cancelled, mandate-backed
	// subscriptions with endAt inside the window, ordered by id.
	ListRenewalCandidates(ctx context.Context, window RenewalWindow, afterID string, limit int) ([]UserSubscription, error)
	Update(ctx context.Context, s UserSubscription) error
}

// PlanRepository reads plans.
type PlanRepository interface {
	Get(ctx context.Context, id string) (Plan, error)
}

// UserRepository reads users.
type UserRepository interface {
	Get(ctx context.Context, id string) (User, error)
}

// PayloadRepository appends PSP audit payloads.
type PayloadRepository interface {
	Create(ctx context.Context, p *WebhookPayload) error
}

// Repos groups the repositories bound to one connection or transaction.
type Repos struct {
	Mandates      MandateRepository
	Transactions  TransactionRepository
	Notifications NotificationRepository
	Refunds       RefundRepository
	Subscriptions SubscriptionRepository
	Plans         PlanRepository
	Users         UserRepository
	Payloads      PayloadRepository
}

// Store exposes repositories and a transaction scope. fn's writes commit
// together when it returns nil and roll back otherwise.
type Store interface {
	Repos() Repos
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}
