package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
	"github.com/noah-isme/backend-autopay/internal/resilience"
)

// Sender posts queued notifications to the notification service.
type Sender struct {
	HTTP      resilience.HTTPClient
	URL       string
	Secret    string
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Handle is the queue handler for Kind.
func (s *Sender) Handle(ctx context.Context, task queue.Task) error {
	var msg Message
	if err := json.Unmarshal(task.Payload, &msg); err != nil {
		return queue.Permanent(fmt.Errorf("notify: decode message: %w", err))
	}
	if strings.TrimSpace(s.URL) == "" {
		s.Logger.Debug().Str("key", msg.Key).Msg("notification_service_not_configured")
		obs.ObserveDelivery(msg.Key, "skipped")
		return nil
	}
	ctx, span := otel.Tracer("notify.Sender").Start(ctx, "Sender.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("notify.key", msg.Key), attribute.String("notify.id", msg.ID))

	replayKey := "notify:sent:" + msg.ID
	if s.Replay != nil && s.ReplayTTL > 0 {
		ok, err := s.Replay.Acquire(ctx, replayKey, s.ReplayTTL)
		if err != nil {
			return err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			obs.ObserveDelivery(msg.Key, "replay")
			return nil
		}
	}
	if err := s.post(ctx, msg, task.Payload); err != nil {
		span.RecordError(err)
		if s.Replay != nil && s.ReplayTTL > 0 {
			_ = s.Replay.Release(context.WithoutCancel(ctx), replayKey)
		}
		obs.ObserveDelivery(msg.Key, "failed")
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError && statusErr.StatusCode != http.StatusTooManyRequests {
			return queue.Permanent(err)
		}
		return err
	}
	obs.ObserveDelivery(msg.Key, "delivered")
	return nil
}

func (s *Sender) post(ctx context.Context, msg Message, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", msg.ID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(s.Secret, ts, msg.ID, body))
	_, _, err = s.HTTP.Do(ctx, req)
	return err
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ComputeSignature is HMAC-SHA256 over "<ts>.<id>.<body>" keyed by secret.
func ComputeSignature(secret string, ts int64, id string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(id))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
