package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gutils "github.com/Laisky/go-utils/v6"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/repo-snapshot/library/config"
	"github.com/Laisky/repo-snapshot/library/log"
)

var rootCMD = &cobra.Command{
	Use:   "repo-snapshot",
	Short: "repo-snapshot",
	Long:  `repository snapshot ingestion, run orchestration and patch ledger`,
	Args:  gcmd.NoExtraArgs,
}

// initialize binds flags, loads the config file and adjusts the logger.
// Client commands pass loadConfig=false so they run without a server config.
func initialize(ctx context.Context, cmd *cobra.Command, loadConfig bool) error {
	if err := gconfig.Shared.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind pflags")
	}

	setupSettings(ctx, loadConfig)
	setupLogger(ctx)

	return nil
}

func setupSettings(ctx context.Context, loadConfig bool) {
	// mode
	if gconfig.Shared.GetBool("debug") {
		gconfig.Shared.Set("log-level", "debug")
	}

	if !loadConfig {
		return
	}

	if gconfig.Shared.GetBool("debug") {
		fmt.Println("run in debug mode")
	} else { // prod mode
		fmt.Println("run in prod mode")
	}

	// clock
	gutils.SetInternalClock(100 * time.Millisecond)

	// load configuration
	cfgPath := gconfig.Shared.GetString("config")
	config.LoadFromFile(cfgPath)
}

func setupLogger(ctx context.Context) {
	lvl := gconfig.Shared.GetString("log-level")
	if err := log.Logger.ChangeLevel(glog.Level(lvl)); err != nil {
		log.Logger.Panic("change log level", zap.Error(err), zap.String("level", lvl))
	}
}

func init() {
	rootCMD.PersistentFlags().Bool("debug", false, "run in debug mode")
	rootCMD.PersistentFlags().StringP("config", "c", "/etc/repo-snapshot/settings.yml", "config file path")
	rootCMD.PersistentFlags().String("log-level", "info", "`debug/info/error`")
}

// Execute execute root command
func Execute() {
	if err := rootCMD.Execute(); err != nil {
		glog.Shared.Panic("start", zap.Error(err))
	}
}
