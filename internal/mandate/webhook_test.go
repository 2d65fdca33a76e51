package mandate_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/common"
	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/gateway/gatewaytest"
	"github.com/noah-isme/backend-autopay/internal/mandate"
)

func newWebhookServer(t *testing.T, f *fixture, opts ...func(*mandate.WebhookHandler)) (*httptest.Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &mandate.WebhookHandler{
		Service:   f.svc,
		Gateways:  f.svc.Gateways,
		Payloads:  f.store.Repos().Payloads,
		Replay:    rdb,
		ReplayTTL: time.Hour,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	r := chi.NewRouter()
	r.Post("/webhooks/{pg}", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mr
}

func postWebhook(t *testing.T, srv *httptest.Server, pg string, body []byte, signature string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/webhooks/"+pg, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(gateway.SignatureHeader, signature)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestWebhookHandlerFlow(t *testing.T) {
	f := newFixture(t)
	srv, mr := newWebhookServer(t, f)
	m := f.create(t, "u-1", paidTrialPlan)

	body := gatewaytest.Payload{
		ID:             "evt-1",
		Type:           "mandate_operation.create.success",
		MandateID:      m.ID,
		PgTxnID:        "ACT-1",
		SequenceNumber: 1,
	}.Body()

	require.Equal(t, http.StatusUnauthorized, postWebhook(t, srv, "phonepe", body, "bogus"))
	require.Empty(t, f.store.Payloads())
	require.Equal(t, domain.MandateInitiated, f.mandate(t, m.ID).Status)

	require.Equal(t, http.StatusNotFound, postWebhook(t, srv, "paytm", body, gateway.Sign("whsec", body)))

	require.Equal(t, http.StatusOK, postWebhook(t, srv, "PhonePe", body, gateway.Sign("whsec", body)))
	require.Equal(t, domain.MandateActive, f.mandate(t, m.ID).Status)
	payloads := f.store.Payloads()
	require.Len(t, payloads, 1)
	require.Equal(t, domain.DirectionInbound, payloads[0].Direction)
	require.Equal(t, "create", payloads[0].Operation)
	txns := f.store.Transactions(m.ID)
	require.Len(t, txns, 1)
	require.Equal(t, payloads[0].ID, txns[0].RawPayloadID)

	replayKey := "wh:phonepe:" + common.Sha256Hex(body)
	require.True(t, mr.Exists(replayKey))
	require.Equal(t, http.StatusOK, postWebhook(t, srv, "phonepe", body, gateway.Sign("whsec", body)))
	require.Len(t, f.store.Payloads(), 1)
}

func TestWebhookHandlerRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	srv, mr := newWebhookServer(t, f, func(h *mandate.WebhookHandler) { h.MaxBody = 64 })
	m := f.create(t, "u-1", paidTrialPlan)

	body := gatewaytest.Payload{
		ID:        "evt-big",
		Type:      "mandate_operation.create.success",
		MandateID: m.ID,
		PgTxnID:   "ACT-" + strings.Repeat("x", 64),
	}.Body()
	require.Greater(t, len(body), 64)

	require.Equal(t, http.StatusRequestEntityTooLarge, postWebhook(t, srv, "phonepe", body, gateway.Sign("whsec", body)))
	require.Empty(t, f.store.Payloads())
	require.Empty(t, mr.Keys())
	require.Equal(t, domain.MandateInitiated, f.mandate(t, m.ID).Status)
}

func TestWebhookHandlerUnrecognizedAndUnrecoverable(t *testing.T) {
	f := newFixture(t)
	srv, _ := newWebhookServer(t, f)

	unknown := []byte(`{"id":"evt-9","type":"subscription.renew.success"}`)
	require.Equal(t, http.StatusOK, postWebhook(t, srv, "phonepe", unknown, gateway.Sign("whsec", unknown)))
	payloads := f.store.Payloads()
	require.Len(t, payloads, 1)
	require.Equal(t, "unknown", payloads[0].Operation)

	missing := gatewaytest.Payload{ID: "evt-10", Type: "mandate_operation.pause.success", MandateID: "nope"}.Body()
	require.Equal(t, http.StatusOK, postWebhook(t, srv, "phonepe", missing, gateway.Sign("whsec", missing)))
	require.Len(t, f.store.Payloads(), 2)
}

func TestWebhookHandlerReleasesReplayKeyOnFailure(t *testing.T) {
	f := newFixture(t)
	srv, mr := newWebhookServer(t, f)
	m := f.create(t, "u-1", paidTrialPlan)

	// the plan lookup during activation fails with a transient error
	f.svc.Store = failingPlans{Store: f.store}
	body := gatewaytest.Payload{ID: "evt-1", Type: "mandate_operation.create.success", MandateID: m.ID, PgTxnID: "ACT-1"}.Body()
	require.Equal(t, http.StatusInternalServerError, postWebhook(t, srv, "phonepe", body, gateway.Sign("whsec", body)))
	require.False(t, mr.Exists("wh:phonepe:"+common.Sha256Hex(body)))
	require.Len(t, f.store.Payloads(), 1)

	f.svc.Store = f.store
	require.Equal(t, http.StatusOK, postWebhook(t, srv, "phonepe", body, gateway.Sign("whsec", body)))
	require.Equal(t, domain.MandateActive, f.mandate(t, m.ID).Status)
}

type failingPlans struct {
	domain.Store
}

func (s failingPlans) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		r.Plans = brokenPlanRepo{}
		return fn(ctx, r)
	})
}

type brokenPlanRepo struct{}

func (brokenPlanRepo) Get(context.Context, string) (domain.Plan, error) {
	return domain.Plan{}, errConnReset
}

var errConnReset = errors.New("connection reset by peer")

func TestHandlerCreateAndToggle(t *testing.T) {
	f := newFixture(t)
	h := &mandate.Handler{Svc: f.svc}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if uid := req.Header.Get("X-Test-User"); uid != "" {
				req = req.WithContext(common.WithUserID(req.Context(), uid))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/v1/mandates", h.Routes)

	do := func(path, user, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := do("/v1/mandates", "", `{"planId":"plan-trial-49","pg":"phonepe"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do("/v1/mandates", "u-1", `{"planId":"plan-trial-49","pg":"razorpay"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_FAILED")

	rec = do("/v1/mandates", "u-1", `{"planId":"plan-trial-49","pg":"PhonePe","metadata":{"os":"android","appId":"app-1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"intentUrl":"upi://mandate?tr=`)
	require.Contains(t, rec.Body.String(), `"status":"INITIATED"`)

	rec = do("/v1/mandates", "u-1", `{"planId":"missing","pg":"phonepe"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do("/v1/mandates/toggle", "u-2", ``)
	require.Equal(t, http.StatusNotFound, rec.Code)

	mandates, err := f.store.Repos().Mandates.ListByUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, mandates, 1)
	f.activate(t, mandates[0])

	rec = do("/v1/mandates/toggle", "u-1", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"PAUSED_IN_APP"`)
}
