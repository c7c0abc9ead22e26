package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	OwnerID  string
	Statuses []domain.TaskStatus
	Page     int
	PageSize int
}

// RetryUpdate describes a failed attempt that goes back to scheduled.
type RetryUpdate struct {
	Attempts  int
	DueAt     time.Time
	LastError string
}

type TaskRepository interface {
	List(ctx context.Context, params ListParams) ([]domain.Email, int64, error)
	GetByID(ctx context.Context, id string) (*domain.SendTask, error)
	CountInFlight(ctx context.Context) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SendTask, error)
	StartAttempt(ctx context.Context, id string, claimToken string, at time.Time) error
	ReleaseClaim(ctx context.Context, id string, claimToken string) error
	ReleaseStaleClaim(ctx context.Context, id string, claimToken string, claimedBefore time.Time) error
	MarkSent(ctx context.Context, id string, claimToken string, attempts int, sentAt time.Time, providerMsgID string) error
	ScheduleRetry(ctx context.Context, id string, claimToken string, update RetryUpdate) error
	MarkFailed(ctx context.Context, id string, claimToken string, attempts int, lastError string) error
	GetStaleSending(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SendTask, error)
}

type GormTaskRepo struct {
	db *gorm.DB
}

func NewGormTaskRepo(db *gorm.DB) *GormTaskRepo {
	return &GormTaskRepo{db: db}
}

// List returns tasks joined with their campaign. Pending views are ordered
// by due time, finished views by completion time, newest first.
func (r *GormTaskRepo) List(ctx context.Context, params ListParams) ([]domain.Email, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Joins("JOIN campaigns ON campaigns.id = send_tasks.campaign_id")

	if len(params.Statuses) > 0 {
		query = query.Where("send_tasks.status IN ?", params.Statuses)
	}
	if params.OwnerID != "" {
		query = query.Where("campaigns.owner_id = ?", params.OwnerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Select("send_tasks.*").Order(listOrder(params.Statuses))
	// No page size means the whole view.
	if params.PageSize > 0 {
		page := max(params.Page, 1)
		query = query.Offset((page - 1) * params.PageSize).Limit(params.PageSize)
	}

	var tasks []SendTaskModel
	err := query.Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	if len(tasks) == 0 {
		return []domain.Email{}, total, nil
	}

	campaignIDs := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		if _, ok := seen[tasks[i].CampaignID]; ok {
			continue
		}
		seen[tasks[i].CampaignID] = struct{}{}
		campaignIDs = append(campaignIDs, tasks[i].CampaignID)
	}

	var campaigns []CampaignModel
	if err := r.db.WithContext(ctx).Where("id IN ?", campaignIDs).Find(&campaigns).Error; err != nil {
		return nil, 0, err
	}
	byID := make(map[string]*domain.Campaign, len(campaigns))
	for i := range campaigns {
		byID[campaigns[i].ID] = campaignModelToDomain(&campaigns[i])
	}

	emails := make([]domain.Email, 0, len(tasks))
	for i := range tasks {
		campaign, ok := byID[tasks[i].CampaignID]
		if !ok {
			continue
		}
		emails = append(emails, domain.Email{
			Task:     *taskModelToDomain(&tasks[i]),
			Campaign: *campaign,
		})
	}

	return emails, total, nil
}

func (r *GormTaskRepo) GetByID(ctx context.Context, id string) (*domain.SendTask, error) {
	var model SendTaskModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return taskModelToDomain(&model), nil
}

// CountInFlight returns how many tasks are claimed and not yet settled.
func (r *GormTaskRepo) CountInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Where("status = ?", domain.TaskStatusSending).
		Count(&n).Error
	return n, err
}

// ClaimDue atomically moves up to limit due tasks from scheduled to sending.
// Rows locked by a concurrent claimer are skipped, so a task is handed to
// exactly one caller.
func (r *GormTaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SendTask, error) {
	var models []SendTaskModel
	err := r.db.WithContext(ctx).Raw(`
UPDATE send_tasks
SET status = ?, claimed_at = ?, claim_token = gen_random_uuid(), attempt_started_at = NULL, updated_at = ?
WHERE id IN (
  SELECT id FROM send_tasks
  WHERE status = ? AND due_at <= ?
  ORDER BY due_at ASC, position ASC
  LIMIT ?
  FOR UPDATE SKIP LOCKED
)
RETURNING *`,
		domain.TaskStatusSending, now, now,
		domain.TaskStatusScheduled, now,
		limit,
	).Scan(&models).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.SendTask, 0, len(models))
	for i := range models {
		tasks = append(tasks, *taskModelToDomain(&models[i]))
	}
	return tasks, nil
}

// StartAttempt marks the claim as handed to the provider and restarts the
// claim clock, so time spent queued or throttled never counts against it.
// A claim that was released or taken over yields ErrConflict.
func (r *GormTaskRepo) StartAttempt(ctx context.Context, id string, claimToken string, at time.Time) error {
	return r.transition(ctx, id, claimToken, map[string]any{
		"claimed_at":         at,
		"attempt_started_at": at,
	})
}

// ReleaseClaim returns a claimed task to scheduled without counting an attempt.
func (r *GormTaskRepo) ReleaseClaim(ctx context.Context, id string, claimToken string) error {
	return r.transition(ctx, id, claimToken, releasedClaim())
}

// ReleaseStaleClaim releases a claim that expired before any delivery
// attempt started. It loses to a worker that starts the attempt first.
func (r *GormTaskRepo) ReleaseStaleClaim(ctx context.Context, id string, claimToken string, claimedBefore time.Time) error {
	updates := releasedClaim()
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, domain.TaskStatusSending, claimToken).
		Where("attempt_started_at IS NULL AND claimed_at < ?", claimedBefore).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func releasedClaim() map[string]any {
	return map[string]any{
		"status":             domain.TaskStatusScheduled,
		"claimed_at":         nil,
		"claim_token":        nil,
		"attempt_started_at": nil,
	}
}

func (r *GormTaskRepo) MarkSent(ctx context.Context, id string, claimToken string, attempts int, sentAt time.Time, providerMsgID string) error {
	updates := map[string]any{
		"status":             domain.TaskStatusSent,
		"sent_at":            sentAt,
		"attempts":           attempts,
		"last_error":         nil,
		"claim_token":        nil,
		"attempt_started_at": nil,
	}
	if providerMsgID != "" {
		updates["provider_message_id"] = providerMsgID
	}
	return r.transition(ctx, id, claimToken, updates)
}

func (r *GormTaskRepo) ScheduleRetry(ctx context.Context, id string, claimToken string, update RetryUpdate) error {
	return r.transition(ctx, id, claimToken, map[string]any{
		"status":             domain.TaskStatusScheduled,
		"due_at":             update.DueAt,
		"attempts":           update.Attempts,
		"last_error":         update.LastError,
		"claimed_at":         nil,
		"claim_token":        nil,
		"attempt_started_at": nil,
	})
}

func (r *GormTaskRepo) MarkFailed(ctx context.Context, id string, claimToken string, attempts int, lastError string) error {
	return r.transition(ctx, id, claimToken, map[string]any{
		"status":             domain.TaskStatusFailed,
		"attempts":           attempts,
		"last_error":         lastError,
		"claim_token":        nil,
		"attempt_started_at": nil,
	})
}

func (r *GormTaskRepo) GetStaleSending(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SendTask, error) {
	var models []SendTaskModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", domain.TaskStatusSending, claimedBefore).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.SendTask, 0, len(models))
	for i := range models {
		tasks = append(tasks, *taskModelToDomain(&models[i]))
	}
	return tasks, nil
}

// transition applies updates to a task still held under claimToken. A task
// whose claim was released or taken over yields ErrConflict.
func (r *GormTaskRepo) transition(ctx context.Context, id string, claimToken string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, domain.TaskStatusSending, claimToken).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// listOrder puts pending views in dispatch order and finished views newest
// first. Failed tasks have no sent_at and sort by their terminal update.
func listOrder(statuses []domain.TaskStatus) string {
	if isFinishedView(statuses) {
		return "COALESCE(send_tasks.sent_at, send_tasks.updated_at) DESC, send_tasks.id ASC"
	}
	return "send_tasks.due_at ASC, send_tasks.position ASC, send_tasks.id ASC"
}

func isFinishedView(statuses []domain.TaskStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, status := range statuses {
		if !status.IsTerminal() {
			return false
		}
	}
	return true
}
