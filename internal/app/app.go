// Package app wires the shared infrastructure used by the API and worker
// processes.
package app

import (
	"context"
	"errors"
	"fmt"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/config"
	"github.com/noah-isme/backend-autopay/internal/events"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/lock"
	"github.com/noah-isme/backend-autopay/internal/mandate"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
	"github.com/noah-isme/backend-autopay/internal/resilience"
	"github.com/noah-isme/backend-autopay/internal/store/postgres"
	"github.com/noah-isme/backend-autopay/internal/subscription"
	"github.com/noah-isme/backend-autopay/internal/tasks"
)

// Dependencies enumerates the services shared by every process.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Store     *postgres.Store
	Events    *events.Bus
	Queue     queue.Enqueuer
	DLQ       queue.Store
	PhonePe   *gateway.PhonePe
	Gateways  *gateway.Registry
	Notifier  *notify.Dispatcher
	Expiry    *subscription.ExpiryWatcher
	Mandates  *mandate.Service
	Validator *validator.Validate

	TaskClient    *asynq.Client
	TaskInspector *asynq.Inspector
	TaskRedis     asynq.RedisClientOpt

	closers []func(context.Context) error
}

// New connects Postgres and Redis and builds the lifecycle services.
// component names the process in logs, traces and pool application_name.
func New(ctx context.Context, cfg *config.Config, component string) (*Dependencies, error) {
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, component).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	d := &Dependencies{Config: cfg, Logger: logger, Validator: validator.New()}

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "autopay-" + component,
		Endpoint:      cfg.Obs.TracingEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		d.closers = append(d.closers, shutdownTracer)
	}

	if d.DB, err = openPool(ctx, cfg.DatabaseURL, "autopay-"+component); err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.closers = append(d.closers, func(context.Context) error { d.DB.Close(); return nil })

	if d.Redis, d.TaskRedis, err = openRedis(ctx, cfg.RedisURL, logger); err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.closers = append(d.closers, func(context.Context) error { return d.Redis.Close() })

	d.Store = postgres.New(d.DB)
	d.Events = &events.Bus{
		Store: d.Store,
		Sinks: []events.Sink{
			events.LogSink{Logger: logger},
			events.NewCounterSink(obs.AnalyticsEventsTotal),
		},
	}
	d.Queue = queue.Enqueuer{R: d.Redis, Prefix: cfg.Queue.Prefix, DedupTTL: cfg.Queue.DedupTTL, MaxAttempts: cfg.Queue.MaxAttempts}
	d.DLQ = queue.NewStore(d.DB)
	d.Notifier = &notify.Dispatcher{Queue: d.Queue, MaxAttempts: cfg.Queue.MaxAttempts, Logger: logger}

	repos := d.Store.Repos()
	d.PhonePe = gateway.NewPhonePe(gateway.PhonePeConfig{
		BaseURL:       cfg.PhonePe.BaseURL,
		AuthURL:       cfg.PhonePe.AuthURL,
		ClientID:      cfg.PhonePe.ClientID,
		ClientSecret:  cfg.PhonePe.ClientSecret,
		ClientVersion: cfg.PhonePe.ClientVersion,
		MerchantID:    cfg.PhonePe.MerchantID,
		WebhookSecret: cfg.PhonePe.WebhookSecret,
		RedirectURL:   cfg.PhonePe.RedirectURL,
	}, gateway.PhonePeDeps{
		HTTP:      pspClient(cfg.PhonePe, logger),
		Redis:     d.Redis,
		Locker:    lock.Locker{R: d.Redis},
		Sequences: repos.Mandates,
		Payloads:  repos.Payloads,
		Logger:    logger,
	})
	d.Gateways = gateway.NewRegistry(d.PhonePe)

	d.TaskClient = asynq.NewClient(d.TaskRedis)
	d.TaskInspector = asynq.NewInspector(d.TaskRedis)
	d.closers = append(d.closers,
		func(context.Context) error { return d.TaskClient.Close() },
		func(context.Context) error { return d.TaskInspector.Close() },
	)
	d.Expiry = &subscription.ExpiryWatcher{
		Store:     d.Store,
		Scheduler: tasks.NewExpiryScheduler(d.TaskClient, d.TaskInspector, logger),
		Events:    d.Events,
		Buffer:    cfg.Scheduler.ExpiryBuffer,
		Logger:    logger,
	}
	d.Mandates = &mandate.Service{
		Store:         d.Store,
		Gateways:      d.Gateways,
		Subscriptions: subscription.Manager{},
		Expiry:        d.Expiry,
		Notifier:      d.Notifier,
		Events:        d.Events,
		ValidityYears: cfg.Scheduler.MandateValidityYears,
		Logger:        logger,
	}
	return d, nil
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close(ctx context.Context) {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.Logger.Error().Err(err).Msg("shutdown dependencies")
	}
}

func openPool(ctx context.Context, url, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, url string, logger zerolog.Logger) (*redis.Client, asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, asynq.RedisClientOpt{}, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, asynq.RedisClientOpt{}, fmt.Errorf("ping redis: %w", err)
	}
	return client, TaskRedisOpt(opts), nil
}

// TaskRedisOpt maps go-redis options onto the asynq connection options.
func TaskRedisOpt(opts *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   opts.Network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

func pspClient(cfg config.PhonePe, logger zerolog.Logger) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client: resilience.NewTracedClient(cfg.HTTPTimeout),
		Breaker: resilience.NewBreaker(resilience.BreakerOptions{
			MinRequests:  20,
			FailureRatio: 0.5,
			Target:       "phonepe",
			Logger:       logger,
		}),
		Target:  "phonepe",
		Timeout: cfg.HTTPTimeout,
	}
}
