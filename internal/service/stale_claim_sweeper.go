package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/provider"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepLimit    = 100
	defaultClaimTimeout  = 10 * time.Minute
)

var errClaimExpired = errors.New("delivery attempt did not settle before the claim expired")

// StaleClaimSweeper recovers tasks left in sending by a crashed worker or a
// lost message. A claim that never reached the provider goes back to
// scheduled untouched. A claim whose attempt started and never settled
// counts as one transient failed attempt.
type StaleClaimSweeper struct {
	tasks        repository.TaskRepository
	outcomes     *outcomeRecorder
	logger       *zap.Logger
	interval     time.Duration
	limit        int
	claimTimeout time.Duration
}

func NewStaleClaimSweeper(
	tasks repository.TaskRepository,
	attempts repository.AttemptRepository,
	policy RetryPolicy,
	claimTimeout time.Duration,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleClaimSweeper, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleClaimSweeper{
		tasks:        tasks,
		outcomes:     newOutcomeRecorder(tasks, attempts, policy, logger),
		logger:       logger,
		interval:     interval,
		limit:        limit,
		claimTimeout: claimTimeout,
	}, nil
}

func (s *StaleClaimSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.outcomes.metrics = metrics
}

func (s *StaleClaimSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Recover claims orphaned by a previous run without waiting for the first tick.
	if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale claim sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale claim sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleClaimSweeper) sweep(ctx context.Context) (int, error) {
	cutoff := s.outcomes.now().UTC().Add(-s.claimTimeout)
	stale, err := s.tasks.GetStaleSending(ctx, cutoff, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale claims: %w", err)
	}

	released, settled := 0, 0
	for i := range stale {
		task := stale[i]

		if task.AttemptStartedAt == nil {
			err := s.tasks.ReleaseStaleClaim(ctx, task.ID, task.ClaimToken, cutoff)
			switch {
			case errors.Is(err, domain.ErrConflict):
				// A worker started the attempt after the fetch.
				s.logger.Debug("stale claim picked up before release", zap.String("taskId", task.ID))
			case err != nil:
				s.logger.Error("failed to release stale claim",
					zap.String("taskId", task.ID),
					zap.Error(err),
				)
			default:
				released++
			}
			continue
		}

		sendErr := &provider.ProviderError{
			Message:   errClaimExpired.Error(),
			Transient: true,
			Cause:     errClaimExpired,
		}
		if err := s.outcomes.settle(ctx, &task, task.Attempts+1, nil, sendErr, "sweeper"); err != nil {
			s.logger.Error("failed to recover stale claim",
				zap.String("taskId", task.ID),
				zap.Error(err),
			)
			continue
		}
		settled++
	}

	if released > 0 || settled > 0 {
		s.logger.Warn("recovered stale claims",
			zap.Int("released", released),
			zap.Int("settled", settled),
		)
	}
	return released + settled, nil
}
