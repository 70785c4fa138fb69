package snapshot

import (
	"context"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

// Aggregate is the size and count of live files in a snapshot.
type Aggregate struct {
	FileCount  int64 `json:"fileCount"`
	TotalBytes int64 `json:"totalBytes"`
}

// UploadFile reconciles one manifest entry into an uploading snapshot.
// Live entries must carry their content; tombstones carry none.
func (s *Service) UploadFile(ctx context.Context, snapshotID uuid.UUID, entry ManifestEntry) (*SnapshotFile, error) {
	snap, err := s.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if err = requireStatus(snap, StatusUploading); err != nil {
		return nil, err
	}

	content, hasContent, err := decodeContent(entry)
	if err != nil {
		return nil, err
	}
	if !entry.IsDeleted && !hasContent {
		return nil, apperr.Newf(apperr.ErrCodeContentRequired, "file %q requires content", entry.Path)
	}

	ne, err := s.normalizeEntry(entry, 0)
	if err != nil {
		return nil, err
	}
	ne.content, ne.hasContent = content, hasContent

	var payload *blobPayload
	if hasContent {
		if int64(len(content)) != ne.SizeBytes {
			return nil, apperr.Newf(apperr.ErrCodeValidation,
				"file %q declares %d bytes but content has %d", ne.Path, ne.SizeBytes, len(content))
		}
		if actual := HashContent(content); actual != ne.BlobHash {
			return nil, apperr.Newf(apperr.ErrCodeHashMismatch, "content hash of %q does not match declared hash", ne.Path).
				WithDetails(map[string]any{"path": ne.Path, "declaredHash": ne.BlobHash, "actualHash": actual})
		}

		ct := ""
		if ne.contentType != nil {
			ct = *ne.contentType
		}
		if payload, err = s.prepareBlobPayload(ctx, ne.BlobHash, content, ct); err != nil {
			return nil, err
		}
	}

	var file *SnapshotFile
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSnapshot(tx, snapshotID)
		if err != nil {
			return err
		}
		if err = requireStatus(locked, StatusUploading); err != nil {
			return err
		}

		if !ne.IsDeleted {
			if err = s.checkBudget(tx, snapshotID, ne.Path, ne.SizeBytes); err != nil {
				return err
			}
		}

		ensured, err := ensureBlobs(tx, []BlobRef{{Hash: ne.BlobHash, SizeBytes: ne.SizeBytes, Live: !ne.IsDeleted}})
		if err != nil {
			return err
		}
		if payload != nil {
			if _, err = writeBlobBytes(tx, payload); err != nil {
				return err
			}
		}

		file, err = s.upsertFile(tx, snapshotID, ne, ensured.BlobByHash[ne.BlobHash])
		return err
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s.log(ctx).Info("snapshot file uploaded",
		zap.String("snapshot_id", snapshotID.String()),
		zap.String("path", file.Path),
		zap.String("sha256", file.BlobSHA256),
		zap.Int64("size_bytes", file.SizeBytes),
		zap.Bool("is_deleted", file.IsDeleted),
	)
	return file, nil
}

// checkBudget rejects an upload that would push the live aggregate over the
// snapshot budgets. An overwrite of a live path replaces its old contribution.
func (s *Service) checkBudget(tx *gorm.DB, snapshotID uuid.UUID, path string, sizeBytes int64) error {
	agg, err := aggregate(tx, snapshotID)
	if err != nil {
		return err
	}

	var existing []SnapshotFile
	if err = tx.Where("snapshot_id = ? AND path = ? AND is_deleted = ?", snapshotID, path, false).
		Limit(1).Find(&existing).Error; err != nil {
		return errors.Wrap(err, "load existing file")
	}
	if len(existing) > 0 {
		agg.FileCount--
		agg.TotalBytes -= existing[0].SizeBytes
	}
	agg.FileCount++
	agg.TotalBytes += sizeBytes

	return s.checkAggregate(agg)
}

// aggregate sums live files of a snapshot.
func aggregate(tx *gorm.DB, snapshotID uuid.UUID) (Aggregate, error) {
	var agg Aggregate
	if err := tx.Model(&SnapshotFile{}).
		Select("COUNT(*) AS file_count, COALESCE(SUM(size_bytes), 0) AS total_bytes").
		Where("snapshot_id = ? AND is_deleted = ?", snapshotID, false).
		Scan(&agg).Error; err != nil {
		return agg, errors.Wrap(err, "aggregate snapshot files")
	}
	return agg, nil
}

// upsertFile writes the SnapshotFile row keyed by (snapshot_id, path).
func (s *Service) upsertFile(tx *gorm.DB, snapshotID uuid.UUID, ne *normalizedEntry, blob *Blob) (*SnapshotFile, error) {
	if blob == nil {
		return nil, errors.Errorf("blob %s not ensured", ne.BlobHash)
	}

	row := s.newFileRow(snapshotID, ne, blob)
	if err := tx.Clauses(fileUpsertClause()).Create(row).Error; err != nil {
		return nil, errors.Wrap(err, "upsert snapshot file")
	}

	var stored SnapshotFile
	if err := tx.Where("snapshot_id = ? AND path = ?", snapshotID, ne.Path).Take(&stored).Error; err != nil {
		return nil, errors.Wrap(err, "reload snapshot file")
	}
	return &stored, nil
}

// newFileRow builds the SnapshotFile row for a validated entry.
func (s *Service) newFileRow(snapshotID uuid.UUID, ne *normalizedEntry, blob *Blob) *SnapshotFile {
	row := &SnapshotFile{
		SnapshotID:  snapshotID,
		Path:        ne.Path,
		BlobID:      blob.ID,
		BlobSHA256:  blob.SHA256,
		SizeBytes:   ne.SizeBytes,
		ContentType: ne.contentType,
		IsBinary:    ne.IsBinary,
		Mode:        ne.Mode,
		Mtime:       ne.Mtime,
		OrderIndex:  ne.orderIndex,
		IsDeleted:   ne.IsDeleted,
	}
	if ne.IsDeleted {
		now := s.clock()
		row.DeletedAt = &now
	}
	return row
}

// fileUpsertClause overwrites an existing entry at the same path.
func fileUpsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "snapshot_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"blob_id", "blob_sha256", "size_bytes", "content_type", "is_binary",
			"mode", "mtime", "order_index", "is_deleted", "deleted_at", "updated_at",
		}),
	}
}
