package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/common"
)

// AdminHandler exposes operator endpoints for dead-lettered scheduler jobs.
type AdminHandler struct {
	Store    Store
	Queue    Enqueuer
	PageSize int
	Logger   zerolog.Logger
}

// Routes mounts the DLQ endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/dlq", h.ListDLQ)
	r.Post("/dlq/replay", h.ReplayDLQ)
	r.Get("/stats/{kind}", h.Stats)
}

// ListDLQ returns DLQ entries filtered by kind.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue store unavailable", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	page, perPage := common.ParsePagination(r, h.pageSize())
	perPage = clampPositive(perPage, 1, 200)

	entries, err := h.Store.ListQueueDlq(r.Context(), kind, perPage, (page-1)*perPage)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	total, err := h.Store.CountQueueDlq(r.Context(), kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]dlqItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dlqItem{
			ID:             entry.ID,
			Kind:           entry.Kind,
			IdempotencyKey: entry.IdempotencyKey,
			Attempts:       entry.Attempts,
			LastError:      entry.LastError,
			CreatedAt:      entry.CreatedAt,
			Payload:        rawPayload(entry.Payload),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

// ReplayDLQ re-enqueues the listed entries and removes them from the DLQ.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue dependencies unavailable", nil)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids required", nil)
		return
	}
	replayed := make([]uuid.UUID, 0, len(req.IDs))
	failed := make(map[string]string)
	seen := make(map[uuid.UUID]struct{}, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			failed[raw] = "invalid uuid"
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := h.replay(r.Context(), id); err != nil {
			failed[raw] = err.Error()
			continue
		}
		replayed = append(replayed, id)
	}
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Stats reports ready, in-flight and dead-lettered counts for one kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue dependencies unavailable", nil)
		return
	}
	kind := sanitizeKind(chi.URLParam(r, "kind"))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid kind", nil)
		return
	}
	ctx := r.Context()
	k := keys{prefix: h.Queue.Prefix, kind: kind}
	ready, err := h.Queue.R.ZCard(ctx, k.queue()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	inflight, err := h.Queue.R.ZCard(ctx, k.processing()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	dlq, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	QueueDepth.WithLabelValues(kind).Set(float64(ready))
	QueueDLQSize.WithLabelValues(kind).Set(float64(dlq))

	var lag time.Duration
	if oldest, err := h.Queue.R.ZRangeWithScores(ctx, k.queue(), 0, 0).Result(); err == nil && len(oldest) > 0 {
		if ts := time.Unix(0, int64(oldest[0].Score)); ts.Before(time.Now()) {
			lag = time.Since(ts)
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":          kind,
		"ready":         ready,
		"processing":    inflight,
		"dlq":           dlq,
		"oldest_lag_ms": lag.Milliseconds(),
	})
}

func (h *AdminHandler) replay(ctx context.Context, id uuid.UUID) error {
	entry, err := h.Store.GetQueueDlq(ctx, id)
	if err != nil {
		return err
	}
	if err := h.Queue.Enqueue(ctx, entry.Task()); err != nil {
		return err
	}
	if err := h.Store.DeleteQueueDlq(ctx, id); err != nil {
		return err
	}
	QueueDLQSize.WithLabelValues(entry.Kind).Dec()
	h.Logger.Info().Str("dlq_id", id.String()).Str("kind", entry.Kind).Msg("queue_dlq_replayed")
	return nil
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func rawPayload(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	encoded, _ := json.Marshal(string(b))
	return encoded
}

type dlqItem struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Payload        json.RawMessage `json:"payload"`
}
