package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createSendTasksTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_send_tasks",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SendTaskModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_send_tasks_campaign_recipient ON send_tasks (campaign_id, recipient)`,
				`CREATE INDEX IF NOT EXISTS idx_send_tasks_due ON send_tasks (due_at, position) WHERE status = 'scheduled'`,
				`CREATE INDEX IF NOT EXISTS idx_send_tasks_claimed ON send_tasks (claimed_at) WHERE status = 'sending'`,
				`CREATE INDEX IF NOT EXISTS idx_send_tasks_status_finished ON send_tasks (status, (COALESCE(sent_at, updated_at)) DESC)`,
				`ALTER TABLE send_tasks ADD CONSTRAINT fk_send_tasks_campaign FOREIGN KEY (campaign_id) REFERENCES campaigns (id) ON DELETE CASCADE`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SendTaskModel{})
		},
	}
}
