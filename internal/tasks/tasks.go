// Package tasks binds delayed and periodic work to asynq: the cancellable
// subscription expiry check and the cron ticks that start each scan.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/scheduler"
	"github.com/noah-isme/backend-autopay/internal/subscription"
)

// Task type names.
const (
	TypeExpiryCheck       = "subscription:expiry"
	TypeScanNotifications = "scan:notifications"
	TypeScanDebits        = "scan:debits"
	TypeScanReconcile     = "scan:reconcile"
)

// DefaultQueue is the asynq queue every task here is placed on.
const DefaultQueue = "autopay"

// ExpiryPayload is the subscription-expiry-check job body.
type ExpiryPayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// Scanner is implemented by the three periodic scans.
type Scanner interface {
	Scan(ctx context.Context) (scheduler.ScanResult, error)
}

// Handlers serves the asynq task types.
type Handlers struct {
	Expiry        *subscription.ExpiryWatcher
	Notifications Scanner
	Debits        Scanner
	Reconciler    Scanner
	Logger        zerolog.Logger
}

// Register mounts every handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExpiryCheck, h.HandleExpiry)
	mux.HandleFunc(TypeScanNotifications, h.scan("notifications", h.Notifications))
	mux.HandleFunc(TypeScanDebits, h.scan("debits", h.Debits))
	mux.HandleFunc(TypeScanReconcile, h.scan("reconcile", h.Reconciler))
}

// HandleExpiry runs the expiry check for one subscription. A subscription
// that no longer exists is not retried.
func (h *Handlers) HandleExpiry(ctx context.Context, t *asynq.Task) error {
	var p ExpiryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.SubscriptionID == "" {
		return fmt.Errorf("tasks: invalid expiry payload: %w", asynq.SkipRetry)
	}
	err := h.Expiry.Check(ctx, p.SubscriptionID)
	if domain.Unrecoverable(err) {
		h.Logger.Warn().Err(err).Str("subscription_id", p.SubscriptionID).Msg("expiry_check_dropped")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (h *Handlers) scan(name string, s Scanner) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if s == nil {
			return nil
		}
		started := time.Now()
		res, err := s.Scan(ctx)
		if err != nil {
			h.Logger.Error().Err(err).Str("scan", name).Msg("scan_failed")
			return err
		}
		h.Logger.Debug().Str("scan", name).Int("scanned", res.Scanned).Int("enqueued", res.Enqueued).
			Dur("elapsed", time.Since(started)).Msg("scan_tick")
		return nil
	}
}

// IsNotFound reports whether err is asynq's missing task or queue error.
func IsNotFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}
