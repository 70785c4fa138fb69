// Package patches records proposed file changes against READY snapshots.
package patches

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/db/postgres"
	"github.com/Laisky/repo-snapshot/library/log"
)

// Clock returns the current UTC time.
type Clock func() time.Time

// SnapshotReader loads the snapshot a patch targets.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, snapshotID uuid.UUID) (*snapshot.Snapshot, error)
}

// CreateParams is a patch submission.
type CreateParams struct {
	SnapshotID     uuid.UUID
	Path           string
	BaseBlobHash   string
	Format         string
	Body           string
	IdempotencyKey *string
}

// ListParams filters and pages a patch listing. Cursor is the last id seen.
type ListParams struct {
	SnapshotID uuid.UUID
	Status     string
	Cursor     string
	Limit      int
}

// Service is the patch ledger.
type Service struct {
	db        *gorm.DB
	snapshots SnapshotReader
	settings  Settings
	logger    logSDK.Logger
	clock     Clock
}

// NewService constructs the ledger and migrates its table.
func NewService(db *gorm.DB, snapshots SnapshotReader, settings Settings, logger logSDK.Logger, clock Clock) (*Service, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot reader is required")
	}
	if logger == nil {
		logger = log.Logger.Named("patch_service")
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
		db:        db,
		snapshots: snapshots,
		settings:  settings.normalize(),
		logger:    logger,
		clock:     clock,
	}, nil
}

// RunMigrations creates the patches table.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Patch{}); err != nil {
		return errors.Wrap(err, "auto migrate patches table")
	}
	return nil
}

// Settings returns the effective limits.
func (s *Service) Settings() Settings {
	return s.settings
}

// CreatePatch records a PENDING patch. The base hash is stored as given and is
// never compared with the snapshot's current content; detecting staleness is
// left to whoever applies the patch. created is false for an idempotent replay.
func (s *Service) CreatePatch(ctx context.Context, p CreateParams) (patch *Patch, created bool, err error) {
	if len(p.Body) > s.settings.MaxBodyBytes {
		return nil, false, apperr.Newf(apperr.ErrCodePayloadTooLarge,
			"patchBody is %d bytes, limit is %d", len(p.Body), s.settings.MaxBodyBytes).
			WithDetails(map[string]any{"sizeBytes": len(p.Body), "maxBodyBytes": s.settings.MaxBodyBytes})
	}

	path, err := snapshot.NormalizePath(p.Path, s.settings.MaxPathLength)
	if err != nil {
		return nil, false, err
	}
	baseHash := ""
	if strings.TrimSpace(p.BaseBlobHash) != "" {
		if baseHash, err = snapshot.NormalizeHash(p.BaseBlobHash); err != nil {
			return nil, false, err
		}
	}
	format, err := NormalizeFormat(p.Format)
	if err != nil {
		return nil, false, err
	}
	if format == FormatUnified {
		if err = validateUnified(path, p.Body); err != nil {
			return nil, false, err
		}
	}

	snap, err := s.snapshots.GetSnapshot(ctx, p.SnapshotID)
	if err != nil {
		return nil, false, err
	}
	if err = snapshot.RequireReady(snap); err != nil {
		return nil, false, err
	}

	candidate := &Patch{
		SnapshotID:     p.SnapshotID,
		Path:           path,
		BaseBlobHash:   baseHash,
		Format:         format,
		Body:           p.Body,
		BodySHA256:     bodyDigest(p.Body),
		Status:         StatusPending,
		IdempotencyKey: trimOptional(p.IdempotencyKey),
		CreatedAt:      s.clock(),
	}

	if candidate.IdempotencyKey != nil {
		existing, err := s.replay(ctx, candidate)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if err = s.db.WithContext(ctx).Create(candidate).Error; err != nil {
		if candidate.IdempotencyKey != nil && postgres.IsUniqueViolation(err) {
			existing, replayErr := s.replay(ctx, candidate)
			if replayErr != nil || existing != nil {
				return existing, false, replayErr
			}
		}
		return nil, false, errors.Wrap(err, "insert patch")
	}

	s.log(ctx).Info("patch created",
		zap.String("patch_id", candidate.ID.String()),
		zap.String("snapshot_id", candidate.SnapshotID.String()),
		zap.String("path", candidate.Path),
		zap.String("format", candidate.Format),
		zap.Int("body_bytes", len(candidate.Body)),
	)
	return candidate, true, nil
}

// replay returns the patch stored under the candidate's idempotency key, or
// a conflict when that patch differs from the candidate.
func (s *Service) replay(ctx context.Context, candidate *Patch) (*Patch, error) {
	var rows []Patch
	if err := s.db.WithContext(ctx).
		Where("snapshot_id = ? AND idempotency_key = ?", candidate.SnapshotID, *candidate.IdempotencyKey).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load patch by idempotency key")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	existing := &rows[0]
	if existing.Path != candidate.Path ||
		existing.BaseBlobHash != candidate.BaseBlobHash ||
		existing.Format != candidate.Format ||
		existing.BodySHA256 != candidate.BodySHA256 {
		return nil, apperr.New(apperr.ErrCodeIdempotencyConflict,
			"idempotency key was already used for a different patch").
			WithDetails(map[string]any{
				"patchId":        existing.ID.String(),
				"idempotencyKey": *candidate.IdempotencyKey,
			})
	}
	return existing, nil
}

// GetPatch loads one patch.
func (s *Service) GetPatch(ctx context.Context, patchID uuid.UUID) (*Patch, error) {
	var patch Patch
	if err := s.db.WithContext(ctx).Where("id = ?", patchID).Take(&patch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "patch %s not found", patchID)
		}
		return nil, errors.Wrap(err, "load patch")
	}
	return &patch, nil
}

// ListPatches pages the patches of a snapshot in creation order.
// next is empty on the last page.
func (s *Service) ListPatches(ctx context.Context, p ListParams) (patches []Patch, next string, err error) {
	q := s.db.WithContext(ctx).Where("snapshot_id = ?", p.SnapshotID)
	if status := strings.ToUpper(strings.TrimSpace(p.Status)); status != "" {
		if !validStatus(status) {
			return nil, "", apperr.Newf(apperr.ErrCodeValidation, "unknown patch status %q", p.Status)
		}
		q = q.Where("status = ?", status)
	}
	if cursor := strings.TrimSpace(p.Cursor); cursor != "" {
		after, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", apperr.New(apperr.ErrCodeValidation, "cursor must be a patch id")
		}
		q = q.Where("id > ?", after)
	}

	limit := s.settings.limitFor(p.Limit)
	patches = make([]Patch, 0, limit)
	if err = q.Order("id ASC").Limit(limit + 1).Find(&patches).Error; err != nil {
		return nil, "", errors.Wrap(err, "list patches")
	}
	if len(patches) > limit {
		patches = patches[:limit]
		next = patches[limit-1].ID.String()
	}
	return patches, next, nil
}

// UpdateStatus moves a PENDING patch to APPLIED or REJECTED. Repeating the
// current terminal status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, patchID uuid.UUID, rawStatus string) (*Patch, error) {
	status := strings.ToUpper(strings.TrimSpace(rawStatus))
	if status != StatusApplied && status != StatusRejected {
		return nil, apperr.Newf(apperr.ErrCodeValidation, "status must be %s or %s", StatusApplied, StatusRejected)
	}

	patch, err := s.GetPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if patch.Status == status {
		return patch, nil
	}
	if patch.Status != StatusPending {
		return nil, patchConflict(patch, status)
	}

	updates := map[string]any{"status": status}
	if status == StatusApplied {
		updates["applied_at"] = s.clock()
	}
	res := s.db.WithContext(ctx).Model(&Patch{}).
		Where("id = ? AND status = ?", patchID, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update patch status")
	}
	if res.RowsAffected == 0 {
		if patch, err = s.GetPatch(ctx, patchID); err != nil {
			return nil, err
		}
		if patch.Status == status {
			return patch, nil
		}
		return nil, patchConflict(patch, status)
	}

	if patch, err = s.GetPatch(ctx, patchID); err != nil {
		return nil, err
	}
	s.log(ctx).Info("patch status updated",
		zap.String("patch_id", patch.ID.String()),
		zap.String("status", patch.Status),
	)
	return patch, nil
}

func patchConflict(patch *Patch, requested string) error {
	return apperr.Newf(apperr.ErrCodeStateConflict, "patch %s is already %s", patch.ID, patch.Status).
		WithDetails(map[string]any{
			"patchId":         patch.ID.String(),
			"currentStatus":   patch.Status,
			"requestedStatus": requested,
		})
}

func validStatus(status string) bool {
	switch status {
	case StatusPending, StatusApplied, StatusRejected:
		return true
	default:
		return false
	}
}

func bodyDigest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
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

func (s *Service) log(ctx context.Context) logSDK.Logger {
	return log.FromContext(ctx, s.logger)
}
