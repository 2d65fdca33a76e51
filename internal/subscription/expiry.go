package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
)

// ExpiryScheduler queues a delayed expiry check. Scheduling an id that is
// already queued replaces the pending check.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, subscriptionID string, at time.Time) error
	CancelExpiry(ctx context.Context, subscriptionID string) error
}

// ExpiryWatcher finalizes subscriptions whose window lapsed without a renewal.
type ExpiryWatcher struct {
	Store     domain.Store
	Scheduler ExpiryScheduler
	Events    *events.Bus
	// Buffer delays the check past endAt so a late renewal can still land.
	Buffer time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

// Schedule (re)arms the expiry check for sub.
func (w *ExpiryWatcher) Schedule(ctx context.Context, sub domain.UserSubscription) error {
	if w == nil || w.Scheduler == nil {
		return nil
	}
	if sub.Status != domain.SubscriptionActive {
		return w.Scheduler.CancelExpiry(ctx, sub.ID)
	}
	return w.Scheduler.ScheduleExpiry(ctx, sub.ID, sub.EndAt.Add(w.Buffer))
}

// Cancel removes a pending expiry check.
func (w *ExpiryWatcher) Cancel(ctx context.Context, subscriptionID string) error {
	if w == nil || w.Scheduler == nil {
		return nil
	}
	return w.Scheduler.CancelExpiry(ctx, subscriptionID)
}

// Check expires the subscription when it is still active and past endAt. A
// subscription renewed in the meantime is re-armed instead.
func (w *ExpiryWatcher) Check(ctx context.Context, subscriptionID string) error {
	now := w.now()
	var (
		expired   domain.UserSubscription
		didExpire bool
		pending   *domain.UserSubscription
	)
	err := w.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		sub, err := r.Subscriptions.Get(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionActive {
			return nil
		}
		if now.Before(sub.EndAt) {
			pending = &sub
			return nil
		}
		sub.Status = domain.SubscriptionExpired
		sub.Record(now, "", "expired")
		if err := r.Subscriptions.Update(ctx, sub); err != nil {
			return fmt.Errorf("subscription: expire: %w", err)
		}
		expired, didExpire = sub, true
		return nil
	})
	if err != nil {
		return err
	}
	if pending != nil {
		return w.Schedule(ctx, *pending)
	}
	if !didExpire {
		return nil
	}
	w.Logger.Info().Str("subscription_id", expired.ID).Str("user_id", expired.UserID).Msg("subscription_expired")
	if w.Events != nil {
		if err := w.Events.Emit(ctx, events.Event{
			Type:           events.SubscriptionExpired,
			UserID:         expired.UserID,
			MandateID:      expired.MandateID,
			SubscriptionID: expired.ID,
		}); err != nil {
			w.Logger.Warn().Err(err).Str("subscription_id", expired.ID).Msg("subscription_expired_event_failed")
		}
	}
	return nil
}

func (w *ExpiryWatcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
