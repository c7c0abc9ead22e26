package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addSendTasksAttemptStartedAt() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_send_tasks_attempt_started_at",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`ALTER TABLE send_tasks ADD COLUMN IF NOT EXISTS attempt_started_at TIMESTAMPTZ`,
				`CREATE INDEX IF NOT EXISTS idx_send_tasks_in_flight ON send_tasks (status) WHERE status = 'sending'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_send_tasks_in_flight`,
				`ALTER TABLE send_tasks DROP COLUMN IF EXISTS attempt_started_at`,
			})
		},
	}
}
