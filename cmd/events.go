package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/repo-snapshot/internal/runs"
	"github.com/Laisky/repo-snapshot/library/db/redis"
	"github.com/Laisky/repo-snapshot/library/log"
)

var eventsCMD = &cobra.Command{
	Use:   "events",
	Short: "events",
	Long:  `drain run events from the redis queue and print them as JSON lines`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(context.Background(), cmd, true); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		if rdb == nil {
			return errors.New("events requires settings.redis.addr")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Logger.Warn("close redis", zap.Error(err))
			}
		}()

		queue := gconfig.Shared.GetString("queue")
		if queue == "" {
			queue = runs.LoadSettingsFromConfig().EventQueue
		}
		return drainEvents(ctx, rdb, queue, os.Stdout)
	},
}

type eventPopper interface {
	PopEvent(ctx context.Context, queues ...string) (*redis.QueuedEvent, error)
}

// drainEvents writes every popped event to w until ctx is done.
func drainEvents(ctx context.Context, src eventPopper, queue string, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		evt, err := src.PopEvent(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "pop from %q", queue)
		}
		if err = enc.Encode(evt); err != nil {
			return errors.Wrap(err, "write event")
		}
	}
}

func init() {
	rootCMD.AddCommand(eventsCMD)
	eventsCMD.Flags().String("queue", "", "queue name, defaults to settings.runs.event_queue")
}
