// Package snapshot implements the content-addressed blob store, manifest
// reconciliation and the snapshot lifecycle.
package snapshot

import (
	"context"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/library/log"
)

// Clock returns the current UTC time. Tests can replace it for determinism.
type Clock func() time.Time

// ObjectStore persists blob bytes too large to keep inline.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Service owns projects, snapshots, snapshot files and blobs.
type Service struct {
	db       *gorm.DB
	settings Settings
	objects  ObjectStore
	logger   logSDK.Logger
	clock    Clock
}

// NewService constructs a Service and migrates its tables.
// objects may be nil, in which case blobs above the inline threshold cannot be stored.
func NewService(db *gorm.DB, settings Settings, objects ObjectStore, logger logSDK.Logger, clock Clock) (*Service, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if logger == nil {
		logger = log.Logger.Named("snapshot_service")
	}
	if clock == nil {
		clock = func() time.Time {
			return time.Now().UTC()
		}
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		return nil, errors.WithStack(err)
	}

	return &Service{
		db:       db,
		settings: settings.normalize(),
		objects:  objects,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Settings returns the effective limits.
func (s *Service) Settings() Settings {
	return s.settings
}

// RunMigrations creates or updates the snapshot tables.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&Project{},
		&Blob{},
		&Snapshot{},
		&SnapshotFile{},
	); err != nil {
		return errors.Wrap(err, "auto migrate snapshot tables")
	}
	return nil
}

func (s *Service) log(ctx context.Context) logSDK.Logger {
	return log.FromContext(ctx, s.logger)
}
