package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"gorm.io/gorm"
)

const taskInsertBatchSize = 500

type StatusCount struct {
	Status domain.TaskStatus `gorm:"column:status"`
	Count  int               `gorm:"column:count"`
}

type CampaignRepository interface {
	CreateWithTasks(ctx context.Context, c *domain.Campaign, tasks []*domain.SendTask) error
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	GetStatusCounts(ctx context.Context, campaignID string) ([]StatusCount, error)
	CancelScheduled(ctx context.Context, campaignID string) (int64, error)
}

type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

// CreateWithTasks writes the campaign and its whole task set in one
// transaction. Either every row becomes visible or none does.
func (r *GormCampaignRepo) CreateWithTasks(ctx context.Context, c *domain.Campaign, tasks []*domain.SendTask) error {
	campaign := campaignModelFromDomain(c)
	if campaign == nil {
		return errors.New("campaign is required")
	}

	models := make([]SendTaskModel, 0, len(tasks))
	for _, t := range tasks {
		if model := taskModelFromDomain(t); model != nil {
			models = append(models, *model)
		}
	}
	if len(models) == 0 {
		return domain.ErrEmptyResult
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(campaign).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(&models, taskInsertBatchSize).Error
	})
	if err != nil {
		return err
	}

	*c = *campaignModelToDomain(campaign)
	for i := range models {
		if i < len(tasks) && tasks[i] != nil {
			*tasks[i] = *taskModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

func (r *GormCampaignRepo) GetStatusCounts(ctx context.Context, campaignID string) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CancelScheduled moves every still-scheduled task of the campaign to
// cancelled. Tasks already claimed or finished are left untouched.
func (r *GormCampaignRepo) CancelScheduled(ctx context.Context, campaignID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&SendTaskModel{}).
		Where("campaign_id = ? AND status = ?", campaignID, domain.TaskStatusScheduled).
		Updates(map[string]any{
			"status":     domain.TaskStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
