package snapshot

import (
	"context"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/library/db/postgres"
)

// CreateParams describes a new upload session.
type CreateParams struct {
	ProjectID       uuid.UUID
	IdempotencyKey  *string
	ManifestHash    *string
	BaseSnapshotID  *uuid.UUID
	Source          string
	RepoRoot        *string
	ProtocolVersion *string
	Metadata        datatypes.JSON
}

// FinalizeResult reports the outcome of Finalize. The snapshot is READY iff MissingBlobs is empty.
type FinalizeResult struct {
	Snapshot     *Snapshot
	MissingBlobs []string
}

// CreateSnapshot inserts an UPLOADING snapshot, or returns the snapshot already
// created under the same idempotency key. created is false on replay.
func (s *Service) CreateSnapshot(ctx context.Context, p CreateParams) (snap *Snapshot, created bool, err error) {
	key := trimOptional(p.IdempotencyKey)
	manifestHash := trimOptional(p.ManifestHash)

	if key != nil {
		if snap, err = s.replaySnapshot(ctx, p.ProjectID, *key, manifestHash); err != nil || snap != nil {
			return snap, false, err
		}
	}

	if p.BaseSnapshotID != nil {
		var base Snapshot
		if err = s.db.WithContext(ctx).
			Where("id = ? AND project_id = ?", *p.BaseSnapshotID, p.ProjectID).
			Take(&base).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, apperr.Newf(apperr.ErrCodeNotFound, "base snapshot %s not found in project", *p.BaseSnapshotID)
			}
			return nil, false, errors.Wrap(err, "load base snapshot")
		}
	}

	source := strings.TrimSpace(p.Source)
	if source == "" {
		source = "cli"
	}
	snap = &Snapshot{
		ProjectID:       p.ProjectID,
		BaseSnapshotID:  p.BaseSnapshotID,
		Source:          source,
		RepoRoot:        trimOptional(p.RepoRoot),
		ManifestHash:    manifestHash,
		ProtocolVersion: trimOptional(p.ProtocolVersion),
		IdempotencyKey:  key,
		Status:          StatusUploading,
		Metadata:        p.Metadata,
	}
	if err = s.db.WithContext(ctx).Create(snap).Error; err != nil {
		if key != nil && postgres.IsUniqueViolation(err) {
			// lost the race against a concurrent create with the same key
			replayed, replayErr := s.replaySnapshot(ctx, p.ProjectID, *key, manifestHash)
			if replayErr != nil {
				return nil, false, replayErr
			}
			if replayed != nil {
				return replayed, false, nil
			}
		}
		return nil, false, errors.Wrap(err, "create snapshot")
	}

	s.log(ctx).Info("snapshot created",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("project_id", snap.ProjectID.String()),
	)
	return snap, true, nil
}

// replaySnapshot returns the snapshot stored under key, or nil when there is none.
func (s *Service) replaySnapshot(ctx context.Context, projectID uuid.UUID, key string, manifestHash *string) (*Snapshot, error) {
	var existing Snapshot
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND idempotency_key = ?", projectID, key).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot by idempotency key")
	}

	if manifestHash != nil && existing.ManifestHash != nil && *manifestHash != *existing.ManifestHash {
		return nil, apperr.New(apperr.ErrCodeIdempotencyConflict,
			"idempotency key was already used for a different manifest").
			WithDetails(map[string]any{
				"snapshotId":           existing.ID.String(),
				"expectedManifestHash": *existing.ManifestHash,
				"currentManifestHash":  *manifestHash,
			})
	}
	return &existing, nil
}

// Finalize moves the snapshot to READY when every live file has bytes.
// Until then it only reports the missing hashes and changes nothing.
func (s *Service) Finalize(ctx context.Context, snapshotID uuid.UUID) (*FinalizeResult, error) {
	result := &FinalizeResult{MissingBlobs: make([]string, 0)}
	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := lockSnapshot(tx, snapshotID)
		if err != nil {
			return err
		}
		result.Snapshot = snap
		if snap.Status == StatusReady {
			return nil
		}

		if result.MissingBlobs, err = missingBlobs(tx, snapshotID); err != nil {
			return err
		}
		if len(result.MissingBlobs) > 0 {
			return nil
		}

		now := s.clock()
		res := tx.Model(&Snapshot{}).
			Where("id = ? AND status = ?", snapshotID, StatusUploading).
			Updates(map[string]any{"status": StatusReady, "finalized_at": now})
		if res.Error != nil {
			return errors.Wrap(res.Error, "mark snapshot ready")
		}
		transitioned = res.RowsAffected > 0

		if err = tx.Where("id = ?", snapshotID).Take(result.Snapshot).Error; err != nil {
			return errors.Wrap(err, "reload snapshot")
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if transitioned {
		s.log(ctx).Info("snapshot finalized",
			zap.String("snapshot_id", snapshotID.String()),
			zap.Timep("finalized_at", result.Snapshot.FinalizedAt),
		)
	}
	return result, nil
}

// missingBlobs lists hashes referenced by live files whose bytes are absent.
func missingBlobs(tx *gorm.DB, snapshotID uuid.UUID) ([]string, error) {
	missing := make([]string, 0)
	if err := tx.Table("snapshot_files AS f").
		Joins("JOIN blobs AS b ON b.id = f.blob_id").
		Where("f.snapshot_id = ? AND f.is_deleted = ? AND b.backend = ?", snapshotID, false, BackendNone).
		Distinct("f.blob_sha256").
		Order("f.blob_sha256").
		Pluck("f.blob_sha256", &missing).Error; err != nil {
		return nil, errors.Wrap(err, "scan missing blobs")
	}
	return missing, nil
}

// GetSnapshot loads a snapshot by id.
func (s *Service) GetSnapshot(ctx context.Context, snapshotID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	if err := s.db.WithContext(ctx).Where("id = ?", snapshotID).Take(&snap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "snapshot %s not found", snapshotID)
		}
		return nil, errors.Wrap(err, "load snapshot")
	}
	return &snap, nil
}

// GetOwnedSnapshot loads a snapshot whose project belongs to ownerID.
// Snapshots of other owners are reported as not found.
func (s *Service) GetOwnedSnapshot(ctx context.Context, ownerID string, snapshotID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).
		Joins("JOIN projects ON projects.id = snapshots.project_id").
		Where("snapshots.id = ? AND projects.owner_id = ?", snapshotID, ownerID).
		Take(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "snapshot %s not found", snapshotID)
		}
		return nil, errors.Wrap(err, "load owned snapshot")
	}
	return &snap, nil
}

// Aggregate returns the live file count and byte total of a snapshot.
func (s *Service) Aggregate(ctx context.Context, snapshotID uuid.UUID) (Aggregate, error) {
	return aggregate(s.db.WithContext(ctx), snapshotID)
}

// ListFiles pages through a snapshot's files ordered by path. cursor is the last path seen.
func (s *Service) ListFiles(ctx context.Context, snapshotID uuid.UUID, cursor string, limit int, includeDeleted bool) ([]SnapshotFile, string, error) {
	if limit <= 0 {
		limit = s.settings.ListLimitDefault
	}
	limit = min(limit, s.settings.ListLimitMax)

	q := s.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if cursor != "" {
		q = q.Where("path > ?", cursor)
	}

	files := make([]SnapshotFile, 0, limit)
	if err := q.Order("path ASC").Limit(limit + 1).Find(&files).Error; err != nil {
		return nil, "", errors.Wrap(err, "list snapshot files")
	}

	next := ""
	if len(files) > limit {
		files = files[:limit]
		next = files[limit-1].Path
	}
	return files, next, nil
}

// lockSnapshot re-reads the snapshot inside tx, holding a row lock on postgres.
func lockSnapshot(tx *gorm.DB, snapshotID uuid.UUID) (*Snapshot, error) {
	q := tx
	if postgres.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var snap Snapshot
	if err := q.Where("id = ?", snapshotID).Take(&snap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "snapshot %s not found", snapshotID)
		}
		return nil, errors.Wrap(err, "lock snapshot")
	}
	return &snap, nil
}

// requireStatus returns a state conflict unless the snapshot has the expected status.
func requireStatus(snap *Snapshot, expected string) error {
	if snap.Status == expected {
		return nil
	}
	return apperr.Newf(apperr.ErrCodeStateConflict,
		"snapshot %s is %s, expected %s", snap.ID, snap.Status, expected).
		WithDetails(map[string]any{
			"snapshotId":     snap.ID.String(),
			"currentStatus":  snap.Status,
			"expectedStatus": expected,
		})
}

// RequireReady returns a state conflict unless the snapshot is READY.
func RequireReady(snap *Snapshot) error {
	return requireStatus(snap, StatusReady)
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
