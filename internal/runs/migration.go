package runs

import (
	"context"

	errors "github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// activeRunIndex backs run de-duplication in the store itself: a second
// QUEUED or RUNNING row for the same snapshot and type fails to insert.
// Both postgres and sqlite support partial indexes.
const activeRunIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_runs_active ON runs (snapshot_id, type) WHERE status IN ('QUEUED', 'RUNNING')`

// RunMigrations creates the runs table and its indexes.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("gorm db is required")
	}
	if err := db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return errors.Wrap(err, "auto migrate runs table")
	}
	return ensureRunIndexes(ctx, db)
}

func ensureRunIndexes(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec(activeRunIndex).Error; err != nil {
		return errors.Wrap(err, "create active run index")
	}
	return nil
}
