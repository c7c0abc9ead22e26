package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/provider"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"github.com/kursadbilgin/campaign-dispatch/internal/schedule"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 30 * time.Second
	defaultRetryMaxDelay  = 30 * time.Minute
	maxRetryJitterMillis  = 250
	maxStoredErrorLength  = 1000
)

// RetryPolicy decides how failed attempts are rescheduled.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(defaultRetryMaxDelay, p.BaseDelay)
	}
	return p
}

// outcomeRecorder audits one attempt and moves the claimed task to its next
// status. Both the worker and the stale-claim sweeper settle attempts here.
type outcomeRecorder struct {
	tasks    repository.TaskRepository
	attempts repository.AttemptRepository
	policy   RetryPolicy
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	randIntn func(n int) int
}

func newOutcomeRecorder(
	tasks repository.TaskRepository,
	attempts repository.AttemptRepository,
	policy RetryPolicy,
	logger *zap.Logger,
) *outcomeRecorder {
	return &outcomeRecorder{
		tasks:    tasks,
		attempts: attempts,
		policy:   policy.withDefaults(),
		logger:   logger,
		now:      time.Now,
		randIntn: rand.Intn,
	}
}

// settle returns an error only when the task state could not be written.
// A lost claim is not an error: whoever holds the new claim owns the task.
func (r *outcomeRecorder) settle(
	ctx context.Context,
	task *domain.SendTask,
	attemptNumber int,
	resp *provider.ProviderResponse,
	sendErr error,
	source string,
) error {
	recorded, recordErr := r.recordAttempt(ctx, task.ID, attemptNumber, resp, sendErr)
	switch {
	case recordErr != nil:
		r.logger.Error("failed to record delivery attempt",
			zap.String("taskId", task.ID),
			zap.Int("attempt", attemptNumber),
			zap.Error(recordErr),
		)
	case !recorded:
		r.logger.Debug("delivery attempt already recorded",
			zap.String("taskId", task.ID),
			zap.Int("attempt", attemptNumber),
			zap.String("source", source),
		)
	}

	now := r.now().UTC()
	if sendErr == nil {
		messageID := ""
		if resp != nil {
			messageID = strings.TrimSpace(resp.MessageID)
		}
		err := r.tasks.MarkSent(ctx, task.ID, task.ClaimToken, attemptNumber, now, messageID)
		if isConflict(err) {
			r.logClaimLost(task, "sent")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to mark task sent: %w", err)
		}
		r.metrics.IncTaskSent()
		return nil
	}

	lastError := truncateError(sendErr.Error())
	transient := provider.IsTransient(sendErr)

	if transient && attemptNumber < r.policy.MaxRetries {
		dueAt := now.Add(r.retryDelay(attemptNumber))
		err := r.tasks.ScheduleRetry(ctx, task.ID, task.ClaimToken, repository.RetryUpdate{
			Attempts:  attemptNumber,
			DueAt:     dueAt,
			LastError: lastError,
		})
		if isConflict(err) {
			r.logClaimLost(task, "scheduled")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to schedule task retry: %w", err)
		}
		r.metrics.IncTaskRetried(source)
		r.logger.Info("delivery attempt failed, retry scheduled",
			zap.String("taskId", task.ID),
			zap.Int("attempt", attemptNumber),
			zap.Time("dueAt", dueAt),
			zap.String("source", source),
			zap.Error(sendErr),
		)
		return nil
	}

	err := r.tasks.MarkFailed(ctx, task.ID, task.ClaimToken, attemptNumber, lastError)
	if isConflict(err) {
		r.logClaimLost(task, "failed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}

	reason := "permanent_error"
	if transient {
		reason = "retry_exhausted"
	}
	r.metrics.IncTaskFailed(reason)
	r.logger.Warn("task failed",
		zap.String("taskId", task.ID),
		zap.Int("attempts", attemptNumber),
		zap.String("reason", reason),
		zap.Error(sendErr),
	)
	return nil
}

func (r *outcomeRecorder) retryDelay(attemptNumber int) time.Duration {
	delay := schedule.RetryDelay(attemptNumber, r.policy.BaseDelay, r.policy.MaxDelay)

	jitterMillis := 0
	if r.randIntn != nil {
		jitterMillis = r.randIntn(maxRetryJitterMillis + 1)
	}
	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (r *outcomeRecorder) recordAttempt(
	ctx context.Context,
	taskID string,
	attemptNumber int,
	providerResp *provider.ProviderResponse,
	sendErr error,
) (bool, error) {
	var statusCode *int
	var responseBody *string
	var attemptErr *string

	if providerResp != nil {
		if providerResp.StatusCode > 0 {
			value := providerResp.StatusCode
			statusCode = &value
		}
		if body := strings.TrimSpace(providerResp.Body); body != "" {
			value := providerResp.Body
			responseBody = &value
		}
	}

	if sendErr != nil {
		value := truncateError(sendErr.Error())
		attemptErr = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	return r.attempts.Record(ctx, &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		ResponseBody:  responseBody,
		Error:         attemptErr,
		CreatedAt:     r.now().UTC(),
	})
}

func (r *outcomeRecorder) logClaimLost(task *domain.SendTask, target string) {
	r.logger.Info("task claim no longer held, skipping transition",
		zap.String("taskId", task.ID),
		zap.String("target", target),
	)
}

func truncateError(msg string) string {
	if len(msg) <= maxStoredErrorLength {
		return msg
	}
	return msg[:maxStoredErrorLength]
}
