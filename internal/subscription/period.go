// Package subscription derives, extends and expires the user entitlement
// window from mandate transaction outcomes.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

const day = 24 * time.Hour

// Pricing is the first-debit decision for a new mandate.
type Pricing struct {
	Amount         int64
	SequenceNumber int
	TrialEligible  bool
}

// FirstDebit prices the mandate-creation debit. Users who already consumed a
// trial pay the net amount and start at sequence 2; sequence 1 is reserved for
// the trial cycle.
func FirstDebit(plan domain.Plan, trialConsumed bool) Pricing {
	if trialConsumed {
		return Pricing{Amount: plan.NetAmount, SequenceNumber: 2}
	}
	return Pricing{Amount: plan.TrialAmount, SequenceNumber: 1, TrialEligible: true}
}

// ExtendEnd returns max(current, now) + days, so unused days carry over.
func ExtendEnd(current, now time.Time, days int) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(time.Duration(days) * day)
}

// IsFirstExecution reports whether a debit is the mandate-creation debit
// rather than a renewal.
func IsFirstExecution(sequenceNumber int, plan domain.Plan) bool {
	return sequenceNumber == 1 && plan.TrialAmount > 0
}

// InTrial reports whether now falls inside the subscription's trial window.
func InTrial(sub domain.UserSubscription, now time.Time) bool {
	if sub.Trial == nil {
		return false
	}
	return !now.Before(sub.Trial.StartAt) && now.Before(sub.Trial.EndAt)
}

// Manager applies period rules against the repositories of one transaction.
type Manager struct {
	Now func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// TrialConsumed checks the legacy flag, prior trial windows and successful
// debits of the user.
func (m Manager) TrialConsumed(ctx context.Context, r domain.Repos, userID string) (bool, error) {
	user, err := r.Users.Get(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if user.LegacyTrialConsumed {
		return true, nil
	}
	had, err := r.Subscriptions.HasTrial(ctx, userID)
	if err != nil || had {
		return had, err
	}
	n, err := r.Transactions.CountSuccessfulByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Activation describes a successful mandate activation.
type Activation struct {
	UserID    string
	MandateID string
	Plan      domain.Plan
	Trial     bool
	TxnID     string
}

// Activate extends the user's active subscription or starts a new one. It
// reports whether a new subscription was created.
func (m Manager) Activate(ctx context.Context, repo domain.SubscriptionRepository, a Activation) (domain.UserSubscription, bool, error) {
	now := m.now()
	sub, err := repo.ActiveForUser(ctx, a.UserID)
	switch {
	case err == nil:
		sub.MandateID = a.MandateID
		sub.PlanID = a.Plan.ID
		if err := m.Renew(ctx, repo, &sub, a.Plan, a.TxnID); err != nil {
			return domain.UserSubscription{}, false, err
		}
		return sub, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.UserSubscription{}, false, err
	}

	sub = domain.UserSubscription{
		UserID:    a.UserID,
		PlanID:    a.Plan.ID,
		MandateID: a.MandateID,
		StartAt:   now,
		Status:    domain.SubscriptionActive,
		LastTxnID: a.TxnID,
	}
	if a.Trial {
		sub.EndAt = now.Add(time.Duration(a.Plan.TrialDays) * day)
		sub.Trial = &domain.TrialWindow{StartAt: now, EndAt: sub.EndAt}
	} else {
		sub.EndAt = now.Add(time.Duration(a.Plan.FrequencyDays) * day)
	}
	sub.Record(now, a.TxnID, "activated")
	if err := repo.Create(ctx, &sub); err != nil {
		return domain.UserSubscription{}, false, fmt.Errorf("subscription: create: %w", err)
	}
	return sub, true, nil
}

// Renew pushes endAt forward by the plan frequency and reactivates the
// subscription. endAt never moves backwards.
func (m Manager) Renew(ctx context.Context, repo domain.SubscriptionRepository, sub *domain.UserSubscription, plan domain.Plan, txnID string) error {
	now := m.now()
	sub.EndAt = ExtendEnd(sub.EndAt, now, plan.FrequencyDays)
	sub.Status = domain.SubscriptionActive
	if txnID != "" {
		sub.LastTxnID = txnID
	}
	sub.Record(now, txnID, "renewed")
	if err := repo.Update(ctx, *sub); err != nil {
		return fmt.Errorf("subscription: renew: %w", err)
	}
	return nil
}

// Cancel marks the subscription cancelled. Cancelling twice is a no-op.
func (m Manager) Cancel(ctx context.Context, repo domain.SubscriptionRepository, sub *domain.UserSubscription, reason string) error {
	return m.setStatus(ctx, repo, sub, domain.SubscriptionCancelled, reason)
}

// Resume reactivates a cancelled subscription without touching its window.
func (m Manager) Resume(ctx context.Context, repo domain.SubscriptionRepository, sub *domain.UserSubscription, reason string) error {
	if sub.Status == domain.SubscriptionExpired {
		return fmt.Errorf("%w: subscription %s already expired", domain.ErrInvalidState, sub.ID)
	}
	return m.setStatus(ctx, repo, sub, domain.SubscriptionActive, reason)
}

func (m Manager) setStatus(ctx context.Context, repo domain.SubscriptionRepository, sub *domain.UserSubscription, status domain.SubscriptionStatus, reason string) error {
	if sub.Status == status {
		return nil
	}
	sub.Status = status
	sub.Record(m.now(), "", reason)
	if err := repo.Update(ctx, *sub); err != nil {
		return fmt.Errorf("subscription: set %s: %w", status, err)
	}
	return nil
}
