package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/queue"
	"github.com/noah-isme/backend-autopay/internal/resilience"
)

type captureQueue struct{ tasks []queue.Task }

func (c *captureQueue) Enqueue(_ context.Context, t queue.Task) error {
	c.tasks = append(c.tasks, t)
	return nil
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDispatchEnqueuesMessage(t *testing.T) {
	q := &captureQueue{}
	d := &notify.Dispatcher{Queue: q}

	err := d.Dispatch(context.Background(), notify.Message{
		Key:    notify.KeyRenewalSuccess,
		UserID: "u-1",
		Target: domain.Metadata{AppID: "app", OS: "android"},
		Data:   map[string]any{"amount": 19900},
	})
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	require.Equal(t, notify.Kind, q.tasks[0].Kind)

	var msg notify.Message
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload, &msg))
	require.NotEmpty(t, msg.ID)
	require.Equal(t, msg.ID, q.tasks[0].IdempotencyKey)
	require.Equal(t, "android", msg.Target.OS)

	require.Error(t, d.Dispatch(context.Background(), notify.Message{Key: "x"}))
	var nilDispatcher *notify.Dispatcher
	require.NoError(t, nilDispatcher.Dispatch(context.Background(), notify.Message{Key: "x", UserID: "u"}))
}

func TestSenderSignsAndSuppressesReplay(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		if r.Header.Get("X-Signature") != notify.ComputeSignature("s3cret", ts, r.Header.Get("X-Notification-ID"), body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := &notify.Sender{
		HTTP:      resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
		URL:       srv.URL,
		Secret:    "s3cret",
		Replay:    notify.RedisReplayProtector{Client: newRedis(t)},
		ReplayTTL: time.Hour,
	}
	payload, _ := json.Marshal(notify.Message{ID: "n-1", Key: notify.KeyTrialFailed, UserID: "u-1"})
	task := queue.Task{Kind: notify.Kind, Payload: payload}

	require.NoError(t, s.Handle(context.Background(), task))
	require.NoError(t, s.Handle(context.Background(), task))
	require.Equal(t, int32(1), hits.Load())
}

func TestSenderClassifiesFailures(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	rdb := newRedis(t)
	s := &notify.Sender{
		HTTP:      resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
		URL:       srv.URL,
		Replay:    notify.RedisReplayProtector{Client: rdb},
		ReplayTTL: time.Hour,
	}
	payload, _ := json.Marshal(notify.Message{ID: "n-2", Key: notify.KeyUpcomingRenewal, UserID: "u-1"})
	task := queue.Task{Kind: notify.Kind, Payload: payload}

	err := s.Handle(context.Background(), task)
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))

	status = http.StatusBadGateway
	err = s.Handle(context.Background(), task)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	exists, err := rdb.Exists(context.Background(), "notify:sent:n-2").Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestSenderRejectsMalformedPayload(t *testing.T) {
	s := &notify.Sender{URL: "http://localhost"}
	err := s.Handle(context.Background(), queue.Task{Payload: []byte("{")})
	require.True(t, queue.IsPermanent(err))
}
