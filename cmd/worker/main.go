package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/auth"
	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/config"
	"github.com/jimkkun/backend-helper/internal/db"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/notify"
	"github.com/jimkkun/backend-helper/internal/obs"
	"github.com/jimkkun/backend-helper/internal/queue"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/resilience"
	"github.com/jimkkun/backend-helper/internal/settlement"
	"github.com/jimkkun/backend-helper/internal/statement"
	"github.com/jimkkun/backend-helper/internal/tasks"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

// logEmailSender stands in for a real mail provider when outbound email
// is disabled. Every statement still leaves an audit trail in the logs.
type logEmailSender struct {
	logger zerolog.Logger
}

func (s logEmailSender) Send(to, subject, _ string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Msg("email_suppressed")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.ObsLogFormat, cfg.ObsLogLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", "worker").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(bootCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(bootCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	locker := lock.Locker{
		R:            redisClient,
		Prefix:       cfg.QueueRedisPrefix,
		TTL:          cfg.LockTTL,
		RetryBackoff: cfg.LockRetryBackoff,
	}
	enqueuer := queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL}
	bus := &events.Bus{
		Store: events.NewStore(pool),
		Notifiers: []events.Notifier{
			notify.StatementDispatcher{Enqueuer: enqueuer, Logger: logger},
		},
	}

	rateStore := rate.NewStore(pool)
	recordStore := workrecord.NewStore(pool)
	settlementStore := settlement.NewStore(pool)
	statementSvc := statement.NewService(statement.NewStore(pool), settlementStore, recordStore, rateStore, locker, bus, logger)

	var emailSender common.EmailSender = common.NopEmailSender{}
	if cfg.StatementEmailOn {
		// TODO: swap in the transactional mail provider once its account
		// is provisioned; delivery is log-only until then.
		emailSender = logEmailSender{logger: logger}
	}

	deliverer := notify.Deliverer{
		Statements: statementSvc,
		Accounts:   auth.NewStore(pool),
		Email:      emailSender,
		Logger:     logger,
	}
	if cfg.RendererWebhookURL != "" {
		deliverer.Renderer = notify.WebhookRenderer{
			URL: cfg.RendererWebhookURL,
			Client: resilience.HTTPClient{
				Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
				MaxAttempts: cfg.RendererMaxAttempts,
				BaseBackoff: cfg.QueueBackoffBase,
				Jitter:      cfg.QueueBackoffJitter,
				Timeout:     cfg.RendererTimeout,
			},
		}
	}

	deliveryWorker := queue.Worker{
		R:                 redisClient,
		Store:             queue.NewStore(pool),
		Logger:            logger,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              notify.TaskStatementDeliver,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Handler:           deliverer.HandleTask,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for asynq")
	}
	asynqServer := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
	})
	mux := tasks.NewMux(tasks.NewHandler(statementSvc, logger))

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	if err := tasks.RegisterSchedules(scheduler, cfg.StatementCronSpec); err != nil {
		logger.Fatal().Err(err).Msg("register schedules")
	}

	errs := make(chan error, 3)
	go func() { errs <- deliveryWorker.Run(ctx) }()
	go func() { errs <- asynqServer.Run(mux) }()
	go func() { errs <- scheduler.Run() }()

	logger.Info().Str("cron", cfg.StatementCronSpec).Msg("worker starting")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error().Err(err).Msg("worker component failed")
		}
	}

	scheduler.Shutdown()
	asynqServer.Shutdown()
	logger.Info().Msg("worker stopped")
}
