package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/provider"
	"github.com/kursadbilgin/campaign-dispatch/internal/queue"
	"github.com/kursadbilgin/campaign-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultDeliveryTimeout = 30 * time.Second
)

type WorkerOptions struct {
	Concurrency     int
	DeliveryTimeout time.Duration
	// ClaimTimeout must match the stale claim sweeper's. Throttling may use
	// whatever of it the delivery timeout leaves.
	ClaimTimeout    time.Duration
	Retry           RetryPolicy
}

type WorkerService struct {
	tasks           repository.TaskRepository
	campaigns       repository.CampaignRepository
	consumer        queue.Consumer
	provider        provider.Provider
	rateLimiter     ratelimit.RateLimiter
	outcomes        *outcomeRecorder
	logger          *zap.Logger
	metrics         *observability.Metrics
	concurrency     int
	deliveryTimeout time.Duration
	throttleBudget  time.Duration
	now             func() time.Time
}

func NewWorkerService(
	tasks repository.TaskRepository,
	campaigns repository.CampaignRepository,
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	provider provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	opts WorkerOptions,
	logger *zap.Logger,
) (*WorkerService, error) {
	if tasks == nil || campaigns == nil || attempts == nil {
		return nil, fmt.Errorf("task, campaign and attempt repositories are required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if opts.Concurrency < minWorkerConcurrency {
		opts.Concurrency = minWorkerConcurrency
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = defaultClaimTimeout
	}
	throttleBudget := opts.ClaimTimeout - opts.DeliveryTimeout
	if throttleBudget <= 0 {
		throttleBudget = opts.ClaimTimeout / 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		tasks:           tasks,
		campaigns:       campaigns,
		consumer:        consumer,
		provider:        provider,
		rateLimiter:     rateLimiter,
		outcomes:        newOutcomeRecorder(tasks, attempts, opts.Retry, logger),
		logger:          logger,
		concurrency:     opts.Concurrency,
		deliveryTimeout: opts.DeliveryTimeout,
		throttleBudget:  throttleBudget,
		now:             time.Now,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
	s.outcomes.metrics = metrics
}

// Start consumes the email queue and processes task messages until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.EmailQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.EmailQueue, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) processMessage(ctx context.Context, msg queue.TaskMessage) error {
	ctx = observability.WithTask(ctx, msg.TaskID, msg.CampaignID)
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	task, err := s.tasks.GetByID(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("task not found, skipping", zap.String("taskId", msg.TaskID))
			return nil
		}
		return fmt.Errorf("failed to load task: %w", err)
	}

	// Released, swept or already settled: the message is stale.
	if task.Status != domain.TaskStatusSending || task.ClaimToken != msg.ClaimToken {
		logger.Info("task no longer claimed by message, skipping",
			zap.String("taskId", task.ID),
			zap.String("status", task.Status.String()),
		)
		return nil
	}

	campaign, err := s.campaigns.GetByID(ctx, task.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	s.metrics.IncWorkerInFlight()
	defer s.metrics.DecWorkerInFlight()

	if err := s.throttle(ctx, campaign.Sender); err != nil {
		if errors.Is(err, errThrottleExpired) {
			// Hand the task back before the claim expires so no attempt is spent.
			s.releaseClaim(ctx, logger, task)
			return nil
		}
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	// The sweeper may have reclaimed the task while we were throttled.
	if err := s.tasks.StartAttempt(ctx, task.ID, task.ClaimToken, s.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("claim lost while throttled, skipping",
				zap.String("taskId", task.ID),
				zap.String("campaignId", task.CampaignID),
			)
			return nil
		}
		return fmt.Errorf("failed to start delivery attempt: %w", err)
	}

	attemptNumber := task.Attempts + 1
	resp, sendErr := s.send(ctx, task, campaign, attemptNumber)

	return s.outcomes.settle(ctx, task, attemptNumber, resp, sendErr, "worker")
}

var errThrottleExpired = errors.New("provider throttle outlasted the claim window")

// throttle waits on the provider rate limiter for at most throttleBudget.
func (s *WorkerService) throttle(ctx context.Context, sender string) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.throttleBudget)
	defer cancel()

	err := s.rateLimiter.Wait(waitCtx, sender)
	if err != nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return errThrottleExpired
	}
	return err
}

func (s *WorkerService) releaseClaim(ctx context.Context, logger *zap.Logger, task *domain.SendTask) {
	err := s.tasks.ReleaseClaim(ctx, task.ID, task.ClaimToken)
	switch {
	case errors.Is(err, domain.ErrConflict):
		logger.Info("claim already released", zap.String("taskId", task.ID))
	case err != nil:
		logger.Error("failed to release throttled claim",
			zap.String("taskId", task.ID),
			zap.Error(err),
		)
	default:
		logger.Warn("throttle wait exceeded, task returned to schedule",
			zap.String("taskId", task.ID),
			zap.String("campaignId", task.CampaignID),
			zap.Duration("budget", s.throttleBudget),
		)
	}
}

// send bounds one provider call by the delivery timeout. An expired attempt
// reports context.DeadlineExceeded, which is retried.
func (s *WorkerService) send(
	ctx context.Context,
	task *domain.SendTask,
	campaign *domain.Campaign,
	attemptNumber int,
) (*provider.ProviderResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.provider.Send(sendCtx, domain.Message{
		TaskID:     task.ID,
		CampaignID: campaign.ID,
		From:       campaign.Sender,
		To:         task.Recipient,
		Subject:    campaign.Subject,
		Body:       campaign.Body,
		Attempt:    attemptNumber,
	})
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("delivery attempt exceeded %s: %w", s.deliveryTimeout, err)
	}

	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.ObserveSendDuration(outcome, time.Since(start))

	return resp, err
}
