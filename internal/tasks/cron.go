package tasks

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-autopay/internal/config"
)

type cronRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterScans schedules the three scan ticks. Ticks are not retried; the
// next tick picks up whatever the failed one missed.
func RegisterScans(s cronRegistrar, cfg config.Scheduler, queue string) error {
	if queue == "" {
		queue = DefaultQueue
	}
	entries := []struct {
		spec     string
		taskType string
	}{
		{cfg.NotifyCron, TypeScanNotifications},
		{cfg.DebitCron, TypeScanDebits},
		{cfg.ReconcileCron, TypeScanReconcile},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := s.Register(e.spec, asynq.NewTask(e.taskType, nil), asynq.Queue(queue), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("tasks: register %s (%s): %w", e.taskType, e.spec, err)
		}
	}
	return nil
}
