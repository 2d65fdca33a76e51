package mandate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/common"
	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/obs"
)

// Handle routes a normalized webhook to its handler. Initiated events carry
// no state change except for notifications.
func (s *Service) Handle(ctx context.Context, ev gateway.Event, payloadID string) error {
	switch ev.Type.Resource {
	case gateway.ResourceRefund:
		return s.HandleRefund(ctx, ev, payloadID)
	case gateway.ResourceMandateOperation:
	default:
		return fmt.Errorf("%w: resource %q", gateway.ErrUnrecognizedEvent, ev.Type.Resource)
	}
	if ev.Type.Operation == gateway.OpNotify {
		return s.UpdateNotificationStatus(ctx, ev.PgNotificationID, ev.Type.Status, payloadID)
	}
	if ev.Type.Status == gateway.StatusInitiated {
		return nil
	}
	switch ev.Type.Operation {
	case gateway.OpCreate:
		return s.HandleActivation(ctx, ev, payloadID)
	case gateway.OpExecute:
		return s.HandleDebit(ctx, ev, payloadID)
	case gateway.OpPause:
		return s.HandlePause(ctx, ev)
	case gateway.OpUnpause:
		return s.HandleResume(ctx, ev)
	case gateway.OpRevoke:
		return s.HandleRevoke(ctx, ev)
	}
	return fmt.Errorf("%w: %s", gateway.ErrUnrecognizedEvent, ev.Type)
}

// WebhookHandler serves POST /webhooks/{pg}.
type WebhookHandler struct {
	Service   *Service
	Gateways  *gateway.Registry
	Payloads  domain.PayloadRepository
	Replay    *redis.Client
	ReplayTTL time.Duration
	MaxBody   int64
	Logger    zerolog.Logger
}

// Handle verifies, audits and applies one webhook. Anything past signature
// verification answers 200 unless the failure is worth a PSP redelivery.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	pg := domain.PG(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "pg"))))
	adapter, err := h.Gateways.Get(pg)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "PG_NOT_SUPPORTED", "unknown payment gateway", nil)
		return
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			obs.ObserveWebhook(string(pg), "unknown", "too_large")
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	if err := adapter.VerifySignature(r.Header, body); err != nil {
		obs.ObserveWebhook(string(pg), "unknown", "rejected")
		h.Logger.Warn().Err(err).Str("pg", string(pg)).Str("ip", common.ClientIP(r)).Msg("webhook_signature_rejected")
		common.WriteError(w, fmt.Errorf("%w: %v", domain.ErrSignatureVerification, err))
		return
	}
	ctx := r.Context()

	replayKey := fmt.Sprintf("wh:%s:%s", pg, common.Sha256Hex(body))
	if h.Replay != nil && h.ReplayTTL > 0 {
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", "replay guard unavailable", nil)
			return
		}
		if !fresh {
			obs.ObserveWebhook(string(pg), "unknown", "replay")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	ev, err := adapter.ParseWebhook(body)
	operation := "unknown"
	if err == nil {
		operation = string(ev.Type.Operation)
	}
	payload := &domain.WebhookPayload{PG: pg, Operation: operation, Direction: domain.DirectionInbound, Body: body}
	if perr := h.Payloads.Create(ctx, payload); perr != nil {
		h.release(ctx, replayKey)
		h.Logger.Error().Err(perr).Str("pg", string(pg)).Msg("webhook_payload_persist_failed")
		common.JSONError(w, http.StatusInternalServerError, "PAYLOAD_STORE_ERROR", "unable to store payload", nil)
		return
	}
	if err != nil {
		obs.ObserveWebhook(string(pg), operation, "ignored")
		h.Logger.Info().Err(err).Str("pg", string(pg)).Str("payload_id", payload.ID).Msg("webhook_unrecognized")
		w.WriteHeader(http.StatusOK)
		return
	}

	log := h.Logger.With().Str("pg", string(pg)).Str("event", ev.Type.String()).Str("mandate_id", ev.MandateID).Str("payload_id", payload.ID).Logger()
	err = h.Service.Handle(ctx, ev, payload.ID)
	switch {
	case err == nil:
		obs.ObserveWebhook(string(pg), operation, "processed")
		log.Info().Msg("webhook_processed")
	case domain.Unrecoverable(err), errors.Is(err, gateway.ErrUnrecognizedEvent):
		obs.ObserveWebhook(string(pg), operation, "ignored")
		log.Warn().Err(err).Msg("webhook_not_applied")
	default:
		h.release(ctx, replayKey)
		obs.ObserveWebhook(string(pg), operation, "error")
		log.Error().Err(err).Msg("webhook_failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "webhook processing failed", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) release(ctx context.Context, key string) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return
	}
	if err := h.Replay.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
		h.Logger.Warn().Err(err).Str("key", key).Msg("webhook_replay_release_failed")
	}
}
