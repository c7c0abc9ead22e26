package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/queue"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultScanInterval = 5 * time.Second
	defaultScanLimit    = 100
)

// DueScanner periodically claims tasks whose dueAt has passed and hands
// them to the dispatch workers. It never lets more than maxInFlight tasks
// sit claimed at once, so the queue drains well inside the claim timeout.
type DueScanner struct {
	tasks       repository.TaskRepository
	publisher   queue.Publisher
	logger      *zap.Logger
	metrics     *observability.Metrics
	interval    time.Duration
	limit       int
	maxInFlight int
	now         func() time.Time
}

// NewDueScanner builds a scanner. maxInFlight <= 0 leaves claims unbounded.
func NewDueScanner(
	tasks repository.TaskRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	maxInFlight int,
	logger *zap.Logger,
) (*DueScanner, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if limit <= 0 {
		limit = defaultScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DueScanner{
		tasks:       tasks,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		limit:       limit,
		maxInFlight: maxInFlight,
		now:         time.Now,
	}, nil
}

func (s *DueScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *DueScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("due scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("due scanner scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue claims one page of due tasks and returns how many were published.
// A task that cannot be published is released back to scheduled.
func (s *DueScanner) scanDue(ctx context.Context) (int, error) {
	limit, err := s.claimBudget(ctx)
	if err != nil {
		return 0, err
	}
	if limit == 0 {
		return 0, nil
	}

	claimed, err := s.tasks.ClaimDue(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	s.metrics.AddTasksClaimed(len(claimed))

	correlationID, ok := observability.CorrelationIDFromContext(ctx)
	if !ok {
		correlationID = uuid.NewString()
	}

	published := 0
	for i := range claimed {
		task := claimed[i]
		msg := queue.TaskMessage{
			TaskID:        task.ID,
			CampaignID:    task.CampaignID,
			ClaimToken:    task.ClaimToken,
			CorrelationID: correlationID,
		}

		if err := s.publisher.Publish(ctx, queue.EmailQueue, msg); err != nil {
			s.logger.Error("failed to enqueue due task",
				zap.String("taskId", task.ID),
				zap.String("queue", queue.EmailQueue),
				zap.Error(err),
			)
			if releaseErr := s.tasks.ReleaseClaim(ctx, task.ID, task.ClaimToken); releaseErr != nil {
				s.logger.Error("failed to release claim after publish error",
					zap.String("taskId", task.ID),
					zap.Error(releaseErr),
				)
			}
			continue
		}
		published++
	}

	if len(claimed) > 0 {
		s.logger.Debug("due tasks dispatched",
			zap.Int("claimed", len(claimed)),
			zap.Int("published", published),
		)
	}
	return published, nil
}

// claimBudget is how many tasks this scan may claim without exceeding the
// in-flight cap.
func (s *DueScanner) claimBudget(ctx context.Context) (int, error) {
	if s.maxInFlight <= 0 {
		return s.limit, nil
	}

	inFlight, err := s.tasks.CountInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight tasks: %w", err)
	}

	room := int64(s.maxInFlight) - inFlight
	if room <= 0 {
		s.logger.Debug("in-flight cap reached, skipping claim",
			zap.Int64("inFlight", inFlight),
			zap.Int("maxInFlight", s.maxInFlight),
		)
		return 0, nil
	}
	return int(min(room, int64(s.limit))), nil
}
