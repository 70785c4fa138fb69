package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/repo-snapshot/internal/client"
	"github.com/Laisky/repo-snapshot/library/log"
)

var pushCMD = &cobra.Command{
	Use:   "push <dir>",
	Short: "upload a directory as a new snapshot",
	Long: `Walk a directory (skipping .git), send its manifest, upload the blobs
the server is missing and finalize the snapshot.

Example:
  repo-snapshot push ./my-repo --api_url=http://localhost:8080 --token=$TOKEN --project="My Repo"`,
	Args: cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(context.Background(), cmd, false); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cli, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := cli.Push(ctx, args[0], client.PushOptions{
			ProjectName:    gconfig.Shared.GetString("project"),
			ProjectSlug:    gconfig.Shared.GetString("project_slug"),
			Provider:       gconfig.Shared.GetString("provider"),
			IdempotencyKey: gconfig.Shared.GetString("idempotency_key"),
			BaseSnapshotID: gconfig.Shared.GetString("base_snapshot"),
			Concurrency:    gconfig.Shared.GetInt("concurrency"),
		})
		if res != nil {
			if printErr := printJSON(res); printErr != nil {
				return printErr
			}
		}
		return err
	},
}

var runCMD = &cobra.Command{
	Use:   "run <snapshot-id>",
	Short: "start a run against a READY snapshot and wait for it",
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(context.Background(), cmd, false); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var input json.RawMessage
		if raw := gconfig.Shared.GetString("input"); raw != "" {
			if !json.Valid([]byte(raw)) {
				return errors.New("--input must be a JSON document")
			}
			input = json.RawMessage(raw)
		}

		cli, err := newAPIClient()
		if err != nil {
			return err
		}
		run, dedup, err := cli.CreateRun(ctx, args[0],
			gconfig.Shared.GetString("type"), input, gconfig.Shared.GetInt("timeout_ms"))
		if run != nil {
			if printErr := printJSON(map[string]any{"run": run, "deduplicated": dedup}); printErr != nil {
				return printErr
			}
		}
		return err
	},
}

var patchesCMD = &cobra.Command{
	Use:   "patches <snapshot-id>",
	Short: "list the patches proposed against a snapshot",
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(context.Background(), cmd, false); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cli, err := newAPIClient()
		if err != nil {
			return err
		}
		q := client.PatchQuery{
			SnapshotID: args[0],
			PatchID:    gconfig.Shared.GetString("patch_id"),
			Status:     gconfig.Shared.GetString("status"),
			Cursor:     gconfig.Shared.GetString("cursor"),
			Limit:      gconfig.Shared.GetInt("limit"),
		}

		if gconfig.Shared.GetBool("raw") {
			body, err := cli.RawPatches(ctx, q)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(os.Stdout, body)
			return errors.WithStack(err)
		}

		items, next, err := cli.ListPatches(ctx, q)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"patches": items, "nextCursor": next})
	},
}

// newAPIClient builds a client from the --api_url and --token flags.
func newAPIClient() (*client.Client, error) {
	cli, err := client.New(gconfig.Shared.GetString("api_url"), gconfig.Shared.GetString("token"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new api client")
	}
	return cli, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.WithStack(enc.Encode(v))
}

func init() {
	for _, c := range []*cobra.Command{pushCMD, runCMD, patchesCMD} {
		rootCMD.AddCommand(c)
		c.Flags().String("api_url", "http://localhost:8080", "base url of the api server")
		c.Flags().String("token", os.Getenv("REPO_SNAPSHOT_TOKEN"), "bearer token, defaults to $REPO_SNAPSHOT_TOKEN")
	}

	pushCMD.Flags().String("project", "", "project name, created on first push")
	pushCMD.Flags().String("project_slug", "", "existing project slug")
	pushCMD.Flags().String("provider", "cli", "snapshot provider label")
	pushCMD.Flags().String("idempotency_key", "", "replays return the same snapshot")
	pushCMD.Flags().String("base_snapshot", "", "id of the snapshot this one derives from")
	pushCMD.Flags().Int("concurrency", 4, "parallel blob uploads")

	runCMD.Flags().String("type", "", "run type (required)")
	runCMD.Flags().String("input", "", "JSON input passed to the worker")
	runCMD.Flags().Int("timeout_ms", 0, "worker timeout, 0 uses the server default")
	if err := runCMD.MarkFlagRequired("type"); err != nil {
		log.Logger.Panic("mark flag required", zap.Error(err))
	}

	patchesCMD.Flags().String("patch_id", "", "only this patch")
	patchesCMD.Flags().String("status", "", "PENDING, APPLIED or REJECTED")
	patchesCMD.Flags().String("cursor", "", "resume after this patch id")
	patchesCMD.Flags().Int("limit", 0, "page size, 0 uses the server default")
	patchesCMD.Flags().Bool("raw", false, "print patch bodies as plain text")
}
