package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/backend-autopay/internal/app"
	"github.com/noah-isme/backend-autopay/internal/auth"
	"github.com/noah-isme/backend-autopay/internal/common"
	"github.com/noah-isme/backend-autopay/internal/config"
	"github.com/noah-isme/backend-autopay/internal/health"
	"github.com/noah-isme/backend-autopay/internal/mandate"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
	"github.com/noah-isme/backend-autopay/internal/ratelimit"
	"github.com/noah-isme/backend-autopay/internal/security"
)

func main() {
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(bootCtx, cfg, "api")
	cancel()
	if err != nil {
		panic(err)
	}
	defer deps.Close(context.Background())
	logger := deps.Logger

	verifier, err := auth.NewVerifier(auth.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth verifier")
	}
	authMiddleware := auth.Middleware{Verifier: verifier}

	commandLimit, err := ratelimit.New(deps.Redis, cfg.Queue.Prefix, "commands", cfg.RateLimit.Commands, ratelimit.ByUser)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise command rate limit")
	}
	webhookLimit, err := ratelimit.New(deps.Redis, cfg.Queue.Prefix, "webhooks", cfg.RateLimit.Webhooks, ratelimit.ByIP)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook rate limit")
	}
	onLimiterError := func(err error) { logger.Warn().Err(err).Msg("rate_limiter_unavailable") }
	commandLimit.OnError = onLimiterError
	webhookLimit.OnError = onLimiterError

	idem := common.Idem{R: deps.Redis, TTL: cfg.Queue.DedupTTL, Prefix: cfg.Queue.Prefix + ":"}

	mandateHandler := &mandate.Handler{Svc: deps.Mandates, Validate: deps.Validator}
	webhookHandler := &mandate.WebhookHandler{
		Service:   deps.Mandates,
		Gateways:  deps.Gateways,
		Payloads:  deps.Store.Repos().Payloads,
		Replay:    deps.Redis,
		ReplayTTL: cfg.PhonePe.WebhookReplayTTL,
		MaxBody:   security.DefaultWebhookMax,
		Logger:    logger,
	}
	queueAdmin := &queue.AdminHandler{Store: deps.DLQ, Queue: deps.Queue, Logger: logger}

	httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, nil, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.Tracing("autopay-api"))
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", common.IdempotencyHeader},
		MaxAge:         300,
	}))

	healthHandler := health.Handler{Checker: health.Probe{Pool: deps.DB, Redis: deps.Redis}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.With(requireToken(cfg.MetricsToken)).Handle("/metrics", promhttp.Handler())

	r.With(webhookLimit.Middleware).Post("/webhooks/{pg}", webhookHandler.Handle)

	r.Route("/v1/mandates", func(m chi.Router) {
		m.Use(authMiddleware.RequireAuth)
		m.Use(commandLimit.Middleware)
		m.Use(security.BodyLimit{Max: 16 << 10}.Middleware)
		m.Use(idem.Middleware)
		mandateHandler.Routes(m)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(requireToken(cfg.AdminToken))
		admin.Route("/queue", queueAdmin.Routes)
		admin.Mount("/debug/pprof", newPprofMux())
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown http server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// requireToken guards operator endpoints with a static bearer token. An
// empty token disables the endpoint.
func requireToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
				return
			}
			provided := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// pprof.Index resolves profiles from the /debug/pprof/ path.
	return http.StripPrefix("/admin", mux)
}
