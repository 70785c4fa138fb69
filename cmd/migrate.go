package cmd

import (
	"context"

	errors "github.com/Laisky/errors/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/patches"
	"github.com/Laisky/repo-snapshot/internal/runs"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/log"
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "migrate",
	Long:  `migrate db`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd, true); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			log.Logger.Panic("open db", zap.Error(err))
		}
		if err := migrateAll(ctx, db); err != nil {
			log.Logger.Panic("migrate", zap.Error(err))
		}
		log.Logger.Info("migrated")
	},
}

// migrateAll creates or updates every table and index in dependency order.
func migrateAll(ctx context.Context, db *gorm.DB) error {
	if err := snapshot.RunMigrations(ctx, db); err != nil {
		return errors.Wrap(err, "migrate snapshots")
	}
	if err := runs.RunMigrations(ctx, db); err != nil {
		return errors.Wrap(err, "migrate runs")
	}
	if err := patches.RunMigrations(ctx, db); err != nil {
		return errors.Wrap(err, "migrate patches")
	}
	return nil
}

func init() {
	rootCMD.AddCommand(migrateCMD)
}
