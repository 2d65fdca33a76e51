package queue_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zerolog.New(io.Discard)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              "pre-debit-notify",
		VisibilityTimeout: 120 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             store,
		Logger:            &log,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("fail")
		},
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "pre-debit-notify", Payload: []byte("body"), IdempotencyKey: "notify:m1:2:20250301"}))

	require.Eventually(t, func() bool {
		count, err := store.CountQueueDlq(context.Background(), "pre-debit-notify")
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	entry := store.only(t)
	require.Equal(t, "pre-debit-notify", entry.Kind)
	require.Equal(t, "notify:m1:2:20250301", entry.IdempotencyKey)
	require.Equal(t, 2, entry.Attempts)
	require.Equal(t, []byte("body"), entry.Payload)

	// the dedup key is released so the scheduler can enqueue again
	exists, err := client.Exists(context.Background(), "dlq:dedup:pre-debit-notify:notify:m1:2:20250301").Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestDLQFallsBackToRedisList(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "nostore"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:                 client,
		Prefix:            "nostore",
		Kind:              "user-notify",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			return queue.Permanent(errors.New("bad payload"))
		},
	}
	go func() { _ = worker.Run(ctx) }()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "user-notify", Payload: []byte("x")}))
	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "nostore:user-notify:dlq").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
