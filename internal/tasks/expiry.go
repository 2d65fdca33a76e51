package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskDeleter interface {
	DeleteTask(queue, id string) error
}

// ExpiryScheduler queues one delayed expiry check per subscription. The task
// id is derived from the subscription so a renewal replaces the pending check.
type ExpiryScheduler struct {
	Client    taskEnqueuer
	Inspector taskDeleter
	Queue     string
	Logger    zerolog.Logger
}

// NewExpiryScheduler wires the scheduler to an asynq client and inspector.
func NewExpiryScheduler(client *asynq.Client, inspector *asynq.Inspector, logger zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{Client: client, Inspector: inspector, Queue: DefaultQueue, Logger: logger}
}

// ExpiryTaskID is the asynq task id of a subscription's expiry check.
func ExpiryTaskID(subscriptionID string) string {
	return "sub-expiry:" + subscriptionID
}

// ScheduleExpiry queues the check to run at at, replacing any pending one.
func (s *ExpiryScheduler) ScheduleExpiry(ctx context.Context, subscriptionID string, at time.Time) error {
	payload, err := json.Marshal(ExpiryPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return err
	}
	id := ExpiryTaskID(subscriptionID)
	task := asynq.NewTask(TypeExpiryCheck, payload)
	opts := []asynq.Option{asynq.TaskID(id), asynq.Queue(s.queue()), asynq.ProcessAt(at), asynq.MaxRetry(5)}

	_, err = s.Client.EnqueueContext(ctx, task, opts...)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	if derr := s.Inspector.DeleteTask(s.queue(), id); derr != nil && !IsNotFound(derr) {
		// The pending check is running right now; queue an anonymous one.
		// Check is idempotent, so the extra run only re-evaluates.
		s.Logger.Debug().Err(derr).Str("subscription_id", subscriptionID).Msg("expiry_replace_fallback")
		_, err = s.Client.EnqueueContext(ctx, task, asynq.Queue(s.queue()), asynq.ProcessAt(at), asynq.MaxRetry(5))
		return err
	}
	_, err = s.Client.EnqueueContext(ctx, task, opts...)
	return err
}

// CancelExpiry removes the pending check, if any.
func (s *ExpiryScheduler) CancelExpiry(_ context.Context, subscriptionID string) error {
	err := s.Inspector.DeleteTask(s.queue(), ExpiryTaskID(subscriptionID))
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func (s *ExpiryScheduler) queue() string {
	if s.Queue == "" {
		return DefaultQueue
	}
	return s.Queue
}
