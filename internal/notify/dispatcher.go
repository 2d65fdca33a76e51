// Package notify delivers user-facing lifecycle notifications (trial failed,
// renewal success, upcoming renewal) to the external notification service.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/queue"
)

// Kind is the queue kind carrying user notifications.
const Kind = "user-notify"

// Notification keys understood by the notification service.
const (
	KeyTrialFailed     = "trial_failed"
	KeyRenewalSuccess  = "renewal_success"
	KeyTrialConversion = "trial_conversion"
	KeyUpcomingRenewal = "upcoming_renewal"
)

// Message is one notification request. Target carries the client context
// captured at mandate creation.
type Message struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	UserID    string          `json:"userId"`
	MandateID string          `json:"mandateId,omitempty"`
	Target    domain.Metadata `json:"target"`
	Data      map[string]any  `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Enqueuer is the subset of queue.Enqueuer the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Dispatcher hands notifications to the delivery queue. Callers treat it as
// fire-and-forget.
type Dispatcher struct {
	Queue       Enqueuer
	MaxAttempts int
	Logger      zerolog.Logger
}

// Dispatch enqueues msg for delivery. A nil dispatcher drops the message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	if d == nil || d.Queue == nil {
		return nil
	}
	if strings.TrimSpace(msg.Key) == "" || strings.TrimSpace(msg.UserID) == "" {
		return errors.New("notify: key and user are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 6
	}
	if err := d.Queue.Enqueue(ctx, queue.Task{
		Kind:           Kind,
		Payload:        payload,
		IdempotencyKey: msg.ID,
		MaxAttempts:    attempts,
	}); err != nil {
		return err
	}
	d.Logger.Debug().Str("key", msg.Key).Str("user_id", msg.UserID).Str("notification_id", msg.ID).Msg("notification_enqueued")
	return nil
}
