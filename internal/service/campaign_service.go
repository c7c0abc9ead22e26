package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/observability"
	"github.com/kursadbilgin/campaign-dispatch/internal/recipient"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"github.com/kursadbilgin/campaign-dispatch/internal/schedule"
	"go.uber.org/zap"
)

const (
	defaultMaxRecipients = 10000
	defaultSender        = "oliver.brown@domain.io"
)

// zone-less layouts produced by datetime-local inputs; read as UTC.
var localStartTimeLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ScheduleInput is one compose form submission.
type ScheduleInput struct {
	Subject      string
	Body         string
	Recipients   []string
	StartTime    string
	DelaySeconds *int
	HourlyLimit  *int
}

// ScheduleResult reports what was persisted for an accepted campaign.
type ScheduleResult struct {
	Campaign   *domain.Campaign
	Count      int
	Discarded  int
	Duplicates int
}

type CampaignServiceOptions struct {
	Sender         string
	StartTimeGrace time.Duration
	MaxRecipients  int
}

type CampaignService struct {
	campaigns repository.CampaignRepository
	tasks     repository.TaskRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	opts      CampaignServiceOptions
	now       func() time.Time

	// Serializes plan-and-persist so task sets of two campaigns never interleave.
	createMu sync.Mutex
}

func NewCampaignService(
	campaigns repository.CampaignRepository,
	tasks repository.TaskRepository,
	opts CampaignServiceOptions,
	logger *zap.Logger,
) (*CampaignService, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.Sender) == "" {
		opts.Sender = defaultSender
	}
	if opts.StartTimeGrace < 0 {
		opts.StartTimeGrace = 0
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = defaultMaxRecipients
	}

	return &CampaignService{
		campaigns: campaigns,
		tasks:     tasks,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}, nil
}

func (s *CampaignService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Schedule validates a submission, plans every dispatch time and persists
// the campaign with its task set. Nothing is written when any step fails.
func (s *CampaignService) Schedule(ctx context.Context, ownerID string, in ScheduleInput) (*ScheduleResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UTC()
	startTime, err := ParseStartTime(in.StartTime)
	if err != nil {
		return nil, err
	}
	if startTime.Before(now.Add(-s.opts.StartTimeGrace)) {
		return nil, fmt.Errorf("%w: startTime must not be in the past", domain.ErrValidation)
	}

	campaign := &domain.Campaign{
		ID:           uuid.NewString(),
		OwnerID:      strings.TrimSpace(ownerID),
		Sender:       s.opts.Sender,
		Subject:      in.Subject,
		Body:         in.Body,
		StartTime:    startTime,
		DelaySeconds: intOrDefault(in.DelaySeconds, domain.DefaultDelaySeconds),
		HourlyLimit:  intOrDefault(in.HourlyLimit, domain.DefaultHourlyLimit),
		CreatedAt:    now,
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}

	recipients, err := recipient.ParseList(in.Recipients)
	if err != nil {
		return nil, err
	}
	if len(recipients.Addresses) > s.opts.MaxRecipients {
		return nil, fmt.Errorf("%w: at most %d recipients per campaign (got %d)",
			domain.ErrValidation, s.opts.MaxRecipients, len(recipients.Addresses))
	}
	campaign.TotalCount = len(recipients.Addresses)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	dueTimes, err := schedule.Plan(campaign.StartTime, campaign.Delay(), campaign.HourlyLimit, campaign.TotalCount)
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.SendTask, len(recipients.Addresses))
	for i, address := range recipients.Addresses {
		tasks[i] = &domain.SendTask{
			ID:         uuid.NewString(),
			CampaignID: campaign.ID,
			Position:   i,
			Recipient:  address,
			Status:     domain.TaskStatusScheduled,
			DueAt:      dueTimes[i],
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := s.campaigns.CreateWithTasks(ctx, campaign, tasks); err != nil {
		return nil, fmt.Errorf("failed to persist campaign: %w", err)
	}

	s.metrics.IncCampaignCreated(len(tasks))
	s.logger.Info("campaign scheduled",
		zap.String("campaignId", campaign.ID),
		zap.Int("recipients", len(tasks)),
		zap.Int("discarded", recipients.Discarded),
		zap.Time("firstDueAt", dueTimes[0]),
		zap.Time("lastDueAt", dueTimes[len(dueTimes)-1]),
	)

	return &ScheduleResult{
		Campaign:   campaign,
		Count:      len(tasks),
		Discarded:  recipients.Discarded,
		Duplicates: recipients.Duplicates,
	}, nil
}

func (s *CampaignService) ListScheduled(ctx context.Context, ownerID string, page int, pageSize int) ([]domain.Email, int64, error) {
	return s.list(ctx, ownerID, domain.ScheduledView, page, pageSize)
}

func (s *CampaignService) ListSent(ctx context.Context, ownerID string, page int, pageSize int) ([]domain.Email, int64, error) {
	return s.list(ctx, ownerID, domain.SentView, page, pageSize)
}

func (s *CampaignService) list(
	ctx context.Context,
	ownerID string,
	statuses []domain.TaskStatus,
	page int,
	pageSize int,
) ([]domain.Email, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	return s.tasks.List(ctx, repository.ListParams{
		OwnerID:  strings.TrimSpace(ownerID),
		Statuses: statuses,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetSummary returns a campaign with its per-status task counts.
func (s *CampaignService) GetSummary(ctx context.Context, ownerID string, campaignID string) (*domain.CampaignSummary, error) {
	campaign, err := s.getOwned(ctx, ownerID, campaignID)
	if err != nil {
		return nil, err
	}

	rows, err := s.campaigns.GetStatusCounts(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaign tasks: %w", err)
	}

	counts := make(map[domain.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] += row.Count
	}

	return &domain.CampaignSummary{Campaign: *campaign, Counts: counts}, nil
}

// Cancel moves every still-scheduled task of the campaign to cancelled.
// Tasks already sending or finished are left as they are.
func (s *CampaignService) Cancel(ctx context.Context, ownerID string, campaignID string) (int64, error) {
	campaign, err := s.getOwned(ctx, ownerID, campaignID)
	if err != nil {
		return 0, err
	}

	cancelled, err := s.campaigns.CancelScheduled(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel campaign: %w", err)
	}

	s.metrics.AddTasksCancelled(cancelled)
	s.logger.Info("campaign cancelled",
		zap.String("campaignId", campaign.ID),
		zap.Int64("cancelled", cancelled),
	)
	return cancelled, nil
}

// ParseRecipients runs the ingestion rules over raw text without persisting anything.
func (s *CampaignService) ParseRecipients(raw string) (recipient.Result, error) {
	return recipient.Parse(raw)
}

func (s *CampaignService) getOwned(ctx context.Context, ownerID string, campaignID string) (*domain.Campaign, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := uuid.Parse(strings.TrimSpace(campaignID)); err != nil {
		return nil, fmt.Errorf("%w: invalid campaign id", domain.ErrValidation)
	}

	campaign, err := s.campaigns.GetByID(ctx, strings.TrimSpace(campaignID))
	if err != nil {
		return nil, err
	}

	// Foreign campaigns look the same as missing ones.
	owner := strings.TrimSpace(ownerID)
	if owner != "" && campaign.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	return campaign, nil
}

// ParseStartTime accepts RFC 3339 timestamps and zone-less
// YYYY-MM-DDTHH:MM[:SS] values, which are read as UTC.
func ParseStartTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: startTime is required", domain.ErrValidation)
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localStartTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: startTime %q is not a valid timestamp", domain.ErrValidation, value)
}

// SortedCounts returns summary counts in lifecycle order for stable output.
func SortedCounts(counts map[domain.TaskStatus]int) []repository.StatusCount {
	out := make([]repository.StatusCount, 0, len(counts))
	for status, count := range counts {
		out = append(out, repository.StatusCount{Status: status, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return statusRank(out[i].Status) < statusRank(out[j].Status)
	})
	return out
}

func statusRank(status domain.TaskStatus) int {
	switch status {
	case domain.TaskStatusScheduled:
		return 0
	case domain.TaskStatusSending:
		return 1
	case domain.TaskStatusSent:
		return 2
	case domain.TaskStatusFailed:
		return 3
	case domain.TaskStatusCancelled:
		return 4
	}
	return 5
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// isConflict reports whether a task transition lost its claim.
func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}
