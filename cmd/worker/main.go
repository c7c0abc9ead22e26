package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/campaign-dispatch/internal/config"
	"github.com/kursadbilgin/campaign-dispatch/internal/handler"
	"github.com/kursadbilgin/campaign-dispatch/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/campaign-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/provider"
	"github.com/kursadbilgin/campaign-dispatch/internal/queue"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"github.com/kursadbilgin/campaign-dispatch/internal/service"
	"github.com/kursadbilgin/campaign-dispatch/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	consumerPrefetch = 1
	sweepEvery       = 6
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Options{})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	mailer, err := newProvider(cfg)
	if err != nil {
		logger.Fatal("mail provider initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	tasks := repository.NewGormTaskRepo(db)
	campaigns := repository.NewGormCampaignRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	retry := service.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}

	worker, err := service.NewWorkerService(
		tasks,
		campaigns,
		attempts,
		queue.NewRabbitMQConsumer(rabbit, consumerPrefetch, logger),
		mailer,
		limiter,
		service.WorkerOptions{
			Concurrency:     cfg.WorkerConcurrency,
			DeliveryTimeout: cfg.DeliveryTimeout,
			ClaimTimeout:    cfg.ClaimTimeout,
			Retry:           retry,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	scanner, err := service.NewDueScanner(
		tasks,
		queue.NewRabbitMQPublisher(rabbit, cfg.ClaimTimeout),
		cfg.ScanInterval,
		cfg.ScanLimit,
		cfg.MaxInFlight,
		logger,
	)
	if err != nil {
		logger.Fatal("due scanner initialization failed", zap.Error(err))
	}
	scanner.SetMetrics(metrics)

	sweeper, err := service.NewStaleClaimSweeper(
		tasks,
		attempts,
		retry,
		cfg.ClaimTimeout,
		cfg.ScanInterval*sweepEvery,
		cfg.ScanLimit,
		logger,
	)
	if err != nil {
		logger.Fatal("stale claim sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "campaign-dispatch-worker",
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error { return sweeper.Start(groupCtx) })
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.WorkerHTTPPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("campaign-dispatch worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("provider", cfg.MailProvider),
		zap.Int("httpPort", cfg.WorkerHTTPPort),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.MailProvider {
	case config.MailProviderWebhook:
		return provider.NewWebhookProvider(cfg.WebhookURL)
	case config.MailProviderSMTP:
		return provider.NewSMTPProvider(provider.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			SSL:      cfg.SMTPSSL,
		})
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.MailProvider)
	}
}
