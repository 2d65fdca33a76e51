package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-autopay/internal/app"
	"github.com/noah-isme/backend-autopay/internal/config"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/queue"
	"github.com/noah-isme/backend-autopay/internal/resilience"
	"github.com/noah-isme/backend-autopay/internal/scheduler"
	"github.com/noah-isme/backend-autopay/internal/tasks"
)

func main() {
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.New(bootCtx, cfg, "worker")
	cancel()
	if err != nil {
		panic(err)
	}
	defer deps.Close(context.Background())
	logger := deps.Logger

	notifications := &scheduler.Notifications{
		Store:    deps.Store,
		Gateways: deps.Gateways,
		Queue:    deps.Queue,
		Updater:  deps.Mandates,
		Config:   cfg.Scheduler,
		Logger:   logger.With().Str("scan", "notifications").Logger(),
	}
	debits := &scheduler.Debits{
		Store:     deps.Store,
		Gateways:  deps.Gateways,
		Queue:     deps.Queue,
		BatchSize: cfg.Scheduler.DebitBatchSize,
		Logger:    logger.With().Str("scan", "debits").Logger(),
	}
	reconciler := &scheduler.Reconciler{
		Store:      deps.Store,
		Gateways:   deps.Gateways,
		Queue:      deps.Queue,
		Updater:    deps.Mandates,
		StaleAfter: cfg.Scheduler.NotificationStaleAfter,
		BatchSize:  cfg.Scheduler.ReconcileBatchSize,
		Logger:     logger.With().Str("scan", "reconcile").Logger(),
	}
	sender := &notify.Sender{
		HTTP: resilience.HTTPClient{
			Client: resilience.NewTracedClient(cfg.Notify.Timeout),
			Breaker: resilience.NewBreaker(resilience.BreakerOptions{
				MinRequests:  20,
				FailureRatio: 0.5,
				Target:       "notification-service",
				Logger:       logger,
			}),
			Target:  "notification-service",
			Timeout: cfg.Notify.Timeout,
		},
		URL:       cfg.Notify.ServiceURL,
		Secret:    cfg.Notify.Secret,
		Replay:    notify.RedisReplayProtector{Client: deps.Redis},
		ReplayTTL: cfg.Notify.ReplayTTL,
		Logger:    logger,
	}

	workers := []queue.Worker{
		newWorker(deps, scheduler.KindNotify, cfg.Queue.NotifyConcurrency, notifications.Handle),
		newWorker(deps, scheduler.KindDebit, cfg.Queue.DebitConcurrency, debits.Handle),
		newWorker(deps, scheduler.KindStatus, cfg.Queue.StatusConcurrency, reconciler.Handle),
		newWorker(deps, notify.Kind, cfg.Queue.UserNotifyConcurrency, sender.Handle),
	}

	handlers := &tasks.Handlers{
		Expiry:        deps.Expiry,
		Notifications: notifications,
		Debits:        debits,
		Reconciler:    reconciler,
		Logger:        logger,
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)
	taskServer := asynq.NewServer(deps.TaskRedis, asynq.Config{
		Concurrency:     cfg.Queue.ExpiryConcurrency,
		Queues:          map[string]int{tasks.DefaultQueue: 1},
		Logger:          tasks.Logger{L: logger},
		ShutdownTimeout: 20 * time.Second,
	})
	if err := taskServer.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	defer taskServer.Shutdown()

	if cfg.Scheduler.Enabled {
		cron := asynq.NewScheduler(deps.TaskRedis, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   tasks.Logger{L: logger},
		})
		if err := tasks.RegisterScans(cron, cfg.Scheduler, tasks.DefaultQueue); err != nil {
			logger.Fatal().Err(err).Msg("register scans")
		}
		if err := cron.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start scheduler")
		}
		defer cron.Shutdown()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		deps.PhonePe.Tokens().RunRefresher(gctx, cfg.PhonePe.TokenRefreshInterval)
		return nil
	})

	logger.Info().Int("queues", len(workers)).Bool("scheduler", cfg.Scheduler.Enabled).Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func newWorker(deps *app.Dependencies, kind string, concurrency int, handler func(context.Context, queue.Task) error) queue.Worker {
	cfg := deps.Config.Queue
	logger := deps.Logger.With().Str("queue", kind).Logger()
	return queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.Prefix,
		Kind:              kind,
		Concurrency:       concurrency,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Handler:           handler,
		RetryBase:         cfg.RetryBase,
		RetryJitter:       0.2,
		Store:             deps.DLQ,
		Logger:            &logger,
	}
}
