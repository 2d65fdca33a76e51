// Package scheduler runs the periodic scans that drive a mandate through its
// renewal cycle: pre-debit notification, debit execution and notification
// status reconciliation. Scans only enqueue; the job handlers talk to the PSP.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/queue"
)

// Queue kinds consumed by the worker.
const (
	KindNotify = "pre-debit-notify"
	KindDebit  = "mandate-debit"
	KindStatus = "notification-status"
)

const (
	day         = 24 * time.Hour
	fanoutBatch = 100
)

// Enqueuer is the subset of queue.Enqueuer the scans need.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// StatusUpdater applies a resolved notification status. The mandate service
// implements it so subscription side effects stay in one place.
type StatusUpdater interface {
	UpdateNotificationStatus(ctx context.Context, pgNotificationID string, st gateway.Status, payloadID string) error
}

// NotifyJob asks the worker to send one pre-debit notification.
type NotifyJob struct {
	MandateID      string    `json:"mandateId"`
	PlanID         string    `json:"planId"`
	StartAt        time.Time `json:"startAt"`
	EndAt          time.Time `json:"endAt"`
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId"`
}

// DebitJob asks the worker to execute the debit announced by NotificationID.
type DebitJob struct {
	MandateID          string `json:"mandateId"`
	PgMandateID        string `json:"pgMandateId"`
	NotificationID     string `json:"notificationId"`
	Amount             int64  `json:"amount"`
	UserSubscriptionID string `json:"userSubscriptionId,omitempty"`
}

// StatusJob asks the worker to poll the PSP for a notification outcome.
type StatusJob struct {
	PG               domain.PG `json:"pg"`
	PgMandateID      string    `json:"pgMandateId"`
	PgNotificationID string    `json:"pgNotificationId"`
}

func newTask(kind, key string, job any) (queue.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{Kind: kind, Payload: payload, IdempotencyKey: key}, nil
}

func decode[T any](t queue.Task) (T, error) {
	var job T
	if err := json.Unmarshal(t.Payload, &job); err != nil {
		return job, queue.Permanent(fmt.Errorf("scheduler: decode %s payload: %w", t.Kind, err))
	}
	return job, nil
}

// jobError maps a handler failure onto the queue's retry policy: missing
// aggregates and invalid states never heal, everything else is retried.
func jobError(err error) error {
	if err == nil {
		return nil
	}
	if domain.Unrecoverable(err) || errors.Is(err, gateway.ErrUnrecognizedEvent) {
		return queue.Permanent(err)
	}
	return err
}

func clock(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}

func batchSize(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
