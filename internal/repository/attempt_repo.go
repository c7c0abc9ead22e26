package repository

import (
	"context"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository is the audit trail of provider calls. Each (task, attempt
// number) pair is written once: when the worker and the stale-claim sweeper
// both settle the same attempt, the first record stands.
type AttemptRepository interface {
	Record(ctx context.Context, a *domain.DeliveryAttempt) (bool, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

// Record inserts the attempt and reports false when that attempt number was
// already recorded for the task.
func (r *GormAttemptRepo) Record(ctx context.Context, a *domain.DeliveryAttempt) (bool, error) {
	model := attemptModelFromDomain(a)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "attempt_number"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return true, nil
}

func (r *GormAttemptRepo) ListByTask(ctx context.Context, taskID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, len(models))
	for i := range models {
		attempts[i] = *attemptModelToDomain(&models[i])
	}
	return attempts, nil
}
