package obs_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("autopay", []float64{1, 10}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Post("/webhooks/{pg}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/phonepe", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/webhooks/{pg}", "204")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestNewHTTPMetricsReusesRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("autopay", nil, registry)
	second := obs.NewHTTPMetrics("autopay", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestDomainMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("autopay", registry)

	obs.ObserveWebhook("phonepe", "execute", "ok")
	obs.ObserveTransition("ACTIVE", "PAUSED_IN_APP")
	obs.ObserveEnqueued("notification", "enqueued", 3)
	obs.ObservePSPCall("phonepe", "notify", errors.New("timeout"), 20*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(obs.WebhookTotal.WithLabelValues("phonepe", "execute", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(obs.MandateTransitionsTotal.WithLabelValues("ACTIVE", "PAUSED_IN_APP")))
	require.Equal(t, float64(3), testutil.ToFloat64(obs.SchedulerEnqueuedTotal.WithLabelValues("notification", "enqueued")))
	require.Equal(t, float64(1), testutil.ToFloat64(obs.PSPCallTotal.WithLabelValues("phonepe", "notify", "error")))
}
