package db

import (
	"fmt"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Job{},
	)
}

// EnsureJobIndexes creates indexes the claim/recovery queries depend on for
// acceptable latency under a large backlog; AutoMigrate does not express
// partial/composite indexes, so they are created explicitly.
func EnsureJobIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at
		ON jobs (status, created_at, id);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_status_created_at: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_status_heartbeat_at
		ON jobs (status, heartbeat_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_status_heartbeat_at: %w", err)
	}
	return nil
}
