package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func uniqueDeliveryAttemptNumber() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_unique_delivery_attempt_number",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				// Keep the earliest row where a sweep and a worker both wrote one.
				`DELETE FROM delivery_attempts a
				USING delivery_attempts b
				WHERE a.task_id = b.task_id
				  AND a.attempt_number = b.attempt_number
				  AND (a.created_at, a.id) > (b.created_at, b.id)`,
				`DROP INDEX IF EXISTS idx_delivery_attempts_task_id`,
				`CREATE UNIQUE INDEX IF NOT EXISTS uq_delivery_attempts_task_attempt ON delivery_attempts (task_id, attempt_number)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS uq_delivery_attempts_task_attempt`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_task_id ON delivery_attempts (task_id)`,
			})
		},
	}
}
