package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gutils "github.com/Laisky/go-utils/v6"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/patches"
	"github.com/Laisky/repo-snapshot/internal/runs"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/internal/web"
	"github.com/Laisky/repo-snapshot/library/db/objectstore"
	"github.com/Laisky/repo-snapshot/library/db/postgres"
	"github.com/Laisky/repo-snapshot/library/db/redis"
	"github.com/Laisky/repo-snapshot/library/jwt"
	"github.com/Laisky/repo-snapshot/library/log"
	"github.com/Laisky/repo-snapshot/library/throttle"
)

const (
	rateLimitBackendMemory = "memory"
	rateLimitBackendRedis  = "redis"
)

var apiCMD = &cobra.Command{
	Use:   "api",
	Short: "api",
	Long:  `serve the snapshot, run and patch HTTP API`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd, true); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
		if err := validateStartupConfig(); err != nil {
			log.Logger.Panic("validate config", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runAPI(ctx, gconfig.Shared.GetString("listen")); err != nil {
			log.Logger.Panic("run api", zap.Error(err))
		}
	},
}

func init() {
	rootCMD.AddCommand(apiCMD)
	apiCMD.Flags().String("listen", "localhost:8080", "like `localhost:8080`")
}

// loadDBSettings reads settings.db.*.
func loadDBSettings() postgres.Settings {
	dbType := strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.db.type")))
	if dbType == "" {
		dbType = postgres.TypePostgres
	}
	return postgres.Settings{
		Type: dbType,
		DSN:  gconfig.S.GetString("settings.db.dsn"),
		DialInfo: postgres.DialInfo{
			Addr:   gconfig.S.GetString("settings.db.addr"),
			DBName: gconfig.S.GetString("settings.db.name"),
			User:   gconfig.S.GetString("settings.db.user"),
			Pwd:    gconfig.S.GetString("settings.db.pwd"),
		},
	}
}

// openDB connects to the configured relational store.
func openDB(ctx context.Context) (*gorm.DB, error) {
	db, err := postgres.Open(ctx, loadDBSettings())
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	return db, nil
}

// openRedis returns nil when settings.redis.addr is not configured.
func openRedis(ctx context.Context) (*redis.DB, error) {
	addr := strings.TrimSpace(gconfig.S.GetString("settings.redis.addr"))
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewDB(&goredis.Options{
		Addr:     addr,
		DB:       gconfig.S.GetInt("settings.redis.db"),
		Password: gconfig.S.GetString("settings.redis.pwd"),
	})
	if err := rdb.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %s", addr)
	}
	return rdb, nil
}

// openObjectStore returns a nil store when no bucket is configured.
func openObjectStore() (snapshot.ObjectStore, error) {
	settings := objectstore.Settings{
		Endpoint:  gconfig.S.GetString("settings.objectstore.endpoint"),
		AccessKey: gconfig.S.GetString("settings.objectstore.access_key"),
		SecretKey: gconfig.S.GetString("settings.objectstore.secret_key"),
		Bucket:    gconfig.S.GetString("settings.objectstore.bucket"),
		UseSSL:    gconfig.S.GetBool("settings.objectstore.use_ssl"),
		Prefix:    gconfig.S.GetString("settings.objectstore.prefix"),
	}
	if !settings.Enabled() {
		return nil, nil
	}

	store, err := objectstore.New(settings)
	if err != nil {
		return nil, errors.Wrap(err, "new object store")
	}
	return store, nil
}

// newLimiter picks the rate limiter backend; redis is shared across instances.
func newLimiter(rdb *redis.DB) (throttle.Limiter, error) {
	backend := strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.ratelimit.backend")))
	switch backend {
	case "", rateLimitBackendMemory:
		return throttle.NewMemoryLimiter(nil), nil
	case rateLimitBackendRedis:
		if rdb == nil {
			return nil, errors.New("redis limiter requires settings.redis.addr")
		}
		return throttle.NewRedisLimiter(rdb.Client(), redis.KeyPrefixRateLimit, nil)
	default:
		return nil, errors.Errorf("unknown rate limit backend %q", backend)
	}
}

// newWorker returns nil when no worker endpoint is configured.
func newWorker(settings runs.Settings) (runs.Worker, error) {
	if settings.WorkerURL == "" {
		return nil, nil
	}

	// each call is bounded by its run timeout, the client only guards against hangs
	httpClient, err := gutils.NewHTTPClient(
		gutils.WithHTTPClientTimeout(settings.MaxTimeout + 30*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "new worker http client")
	}
	return runs.NewHTTPWorker(settings.WorkerURL, settings.WorkerToken, httpClient)
}

// buildServer wires every service behind the HTTP API.
func buildServer(ctx context.Context) (*web.Server, func(), error) {
	logger := log.Logger.Named("api")

	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := openRedis(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}
	}

	objects, err := openObjectStore()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	snapshotSettings := snapshot.LoadSettingsFromConfig()
	snapshots, err := snapshot.NewService(db, snapshotSettings, objects, nil, nil)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "new snapshot service")
	}

	runSettings := runs.LoadSettingsFromConfig()
	worker, err := newWorker(runSettings)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sinks := runs.MultiSink{runs.NewLogSink(nil)}
	if rdb != nil {
		sinks = append(sinks, runs.NewQueueSink(rdb, runSettings.EventQueue, nil))
	}
	runSvc, err := runs.NewService(db, snapshots, worker, sinks, runSettings, nil, nil)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "new run service")
	}

	// runs left active by a dead process can never finish
	if n, err := runSvc.FailStale(ctx); err != nil {
		logger.Warn("fail abandoned runs", zap.Error(err))
	} else if n > 0 {
		logger.Info("failed abandoned runs", zap.Int64("count", n))
	}

	patchSvc, err := patches.NewService(db, snapshots, patches.LoadSettingsFromConfig(), nil, nil)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "new patch service")
	}

	tokens, err := jwt.New([]byte(gconfig.S.GetString("settings.auth.secret")), nil)
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "new token parser")
	}
	limiter, err := newLimiter(rdb)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	webSettings := web.LoadSettingsFromConfig()
	if mem, ok := limiter.(*throttle.MemoryLimiter); ok {
		go mem.RunSweeper(ctx, webSettings.Window, webSettings.Window)
	}

	srv, err := web.NewServer(web.Dependencies{
		Snapshots: snapshots,
		Runs:      runSvc,
		Patches:   patchSvc,
		Tokens:    tokens,
		Limiter:   limiter,
		Settings:  webSettings,
	})
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "new web server")
	}

	logger.Info("api wired",
		zap.Bool("object_store", objects != nil),
		zap.Bool("redis", rdb != nil),
		zap.Bool("worker", worker != nil))
	return srv, cleanup, nil
}

func runAPI(ctx context.Context, addr string) error {
	srv, cleanup, err := buildServer(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return web.RunServer(ctx, addr, srv)
}
