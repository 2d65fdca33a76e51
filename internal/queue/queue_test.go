package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/queue"
)

func TestEnqueueDequeue(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "mandate-debit", Payload: []byte(`{"notification_id":"n1"}`), IdempotencyKey: "debit:n1"}))

	processed := make(chan queue.Task, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "mandate-debit",
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			processed <- task
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case task := <-processed:
		require.JSONEq(t, `{"notification_id":"n1"}`, string(task.Payload))
		require.Equal(t, "debit:n1", task.IdempotencyKey)
		require.Equal(t, 1, task.Attempt)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for payload")
	}
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup", DedupTTL: time.Minute}
	ctx := context.Background()

	task := queue.Task{Kind: "pre-debit-notify", Payload: []byte("{}"), IdempotencyKey: "notify:m1:3:20250301"}
	require.NoError(t, enq.Enqueue(ctx, task))
	require.NoError(t, enq.Enqueue(ctx, task))

	depth, err := client.ZCard(ctx, "dedup:queue:pre-debit-notify").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	enq := queue.Enqueuer{R: newRedis(t)}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
}

func TestWorkerRetries(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "notification-status", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "notification-status",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("psp unavailable")
			}
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "perm"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "perm",
		Kind:              "mandate-debit",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		Store:             store,
		Handler: func(context.Context, queue.Task) error {
			attempts.Add(1)
			return queue.Permanent(errors.New("mandate not found"))
		},
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "mandate-debit", Payload: []byte("{}"), IdempotencyKey: "debit:gone", MaxAttempts: 5}))
	require.Eventually(t, func() bool {
		count, err := store.CountQueueDlq(context.Background(), "mandate-debit")
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, int32(1), attempts.Load())
	entry := store.only(t)
	require.NotNil(t, entry.LastError)
	require.Contains(t, *entry.LastError, "mandate not found")
}

func TestPermanentWrapping(t *testing.T) {
	require.NoError(t, queue.Permanent(nil))
	base := errors.New("boom")
	err := queue.Permanent(base)
	require.True(t, queue.IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, queue.IsPermanent(base))
}
