package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

const hashQueryChunk = 500

// BlobRef is one manifest reference to a blob.
type BlobRef struct {
	Hash      string
	SizeBytes int64
	// Live is false for tombstones, which never require bytes.
	Live bool
}

// EnsureResult is the outcome of EnsureBlobs.
type EnsureResult struct {
	BlobByHash    map[string]*Blob
	MissingHashes []string
}

// HashContent returns the lowercase hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ObjectKeyForHash returns the object store key of a blob.
func ObjectKeyForHash(hash string) string {
	return "blobs/" + hash[:2] + "/" + hash
}

// EnsureBlobs looks up or creates a placeholder row for every referenced hash
// and reports the hashes whose bytes still need uploading.
func (s *Service) EnsureBlobs(ctx context.Context, refs []BlobRef) (*EnsureResult, error) {
	var result *EnsureResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = ensureBlobs(tx, refs)
		return err
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

// ensureBlobs is EnsureBlobs inside an existing transaction.
func ensureBlobs(tx *gorm.DB, refs []BlobRef) (*EnsureResult, error) {
	declared := make(map[string]int64, len(refs))
	live := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if size, ok := declared[ref.Hash]; ok && size != ref.SizeBytes {
			return nil, sizeMismatchError(ref.Hash, size, ref.SizeBytes)
		}
		declared[ref.Hash] = ref.SizeBytes
		live[ref.Hash] = live[ref.Hash] || ref.Live
	}

	hashes := make([]string, 0, len(declared))
	for hash := range declared {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	byHash, err := loadBlobs(tx, hashes)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	absent := make([]Blob, 0)
	for _, hash := range hashes {
		if _, ok := byHash[hash]; !ok {
			absent = append(absent, Blob{SHA256: hash, SizeBytes: declared[hash], Backend: BackendNone})
		}
	}
	if len(absent) > 0 {
		// concurrent uploads may insert the same hash, the loser re-reads the winner's row
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sha256"}},
			DoNothing: true,
		}).CreateInBatches(&absent, hashQueryChunk).Error; err != nil {
			return nil, errors.Wrap(err, "create blob placeholders")
		}

		absentHashes := make([]string, 0, len(absent))
		for _, b := range absent {
			absentHashes = append(absentHashes, b.SHA256)
		}
		created, err := loadBlobs(tx, absentHashes)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for hash, b := range created {
			byHash[hash] = b
		}
	}

	result := &EnsureResult{
		BlobByHash:    byHash,
		MissingHashes: make([]string, 0),
	}
	for _, hash := range hashes {
		blob, ok := byHash[hash]
		if !ok {
			return nil, errors.Errorf("blob %s vanished after placeholder insert", hash)
		}
		if blob.SizeBytes != declared[hash] {
			return nil, sizeMismatchError(hash, blob.SizeBytes, declared[hash])
		}
		if live[hash] && !blob.HasBytes() {
			result.MissingHashes = append(result.MissingHashes, hash)
		}
	}

	return result, nil
}

// loadBlobs fetches blob metadata by hash without loading inline content.
func loadBlobs(tx *gorm.DB, hashes []string) (map[string]*Blob, error) {
	out := make(map[string]*Blob, len(hashes))
	for start := 0; start < len(hashes); start += hashQueryChunk {
		end := min(start+hashQueryChunk, len(hashes))
		var rows []Blob
		if err := tx.Omit("content").
			Where("sha256 IN ?", hashes[start:end]).
			Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "load blobs")
		}
		for i := range rows {
			out[rows[i].SHA256] = &rows[i]
		}
	}
	return out, nil
}

func sizeMismatchError(hash string, existing, declared int64) error {
	return apperr.Newf(apperr.ErrCodeBlobSizeMismatch,
		"blob %s is already known with %d bytes, declared %d", hash, existing, declared).
		WithDetails(map[string]any{
			"sha256":            hash,
			"existingSizeBytes": existing,
			"declaredSizeBytes": declared,
		})
}

// blobPayload is verified content ready to be attached to a blob row.
type blobPayload struct {
	hash       string
	backend    string
	inline     []byte
	storageKey *string
}

// prepareBlobPayload picks the backend for content and uploads it to the object
// store when it is too large to keep inline. Object keys are content addressed,
// so repeated uploads of the same bytes are harmless.
func (s *Service) prepareBlobPayload(ctx context.Context, hash string, content []byte, contentType string) (*blobPayload, error) {
	if int64(len(content)) <= s.settings.InlineMaxBytes {
		inline := content
		if inline == nil {
			inline = []byte{}
		}
		return &blobPayload{hash: hash, backend: BackendInline, inline: inline}, nil
	}

	if s.objects == nil {
		return nil, apperr.Newf(apperr.ErrCodeUnavailable,
			"blob %s is %d bytes and no object store is configured", hash, len(content))
	}

	var existing Blob
	err := s.db.WithContext(ctx).Omit("content").Where("sha256 = ?", hash).Take(&existing).Error
	if err == nil && existing.HasBytes() {
		return &blobPayload{hash: hash, backend: existing.Backend, storageKey: existing.StorageKey}, nil
	}

	key := ObjectKeyForHash(hash)
	if err := s.objects.Put(ctx, key, content, contentType); err != nil {
		return nil, errors.Wrap(err, "put blob object")
	}
	return &blobPayload{hash: hash, backend: BackendObject, storageKey: &key}, nil
}

// writeBlobBytes attaches payload to the blob placeholder unless another writer
// already populated it. First writer wins; later writers reuse the stored bytes.
func writeBlobBytes(tx *gorm.DB, payload *blobPayload) (bool, error) {
	res := tx.Model(&Blob{}).
		Where("sha256 = ? AND backend = ?", payload.hash, BackendNone).
		Updates(map[string]any{
			"backend":     payload.backend,
			"content":     payload.inline,
			"storage_key": payload.storageKey,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "write blob bytes")
	}
	return res.RowsAffected > 0, nil
}

// WriteBlob stores bytes for a hash referenced by an uploading snapshot.
func (s *Service) WriteBlob(ctx context.Context, snapshotID uuid.UUID, rawHash string, content []byte, contentType string) (*Blob, error) {
	hash, err := NormalizeHash(rawHash)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > s.settings.MaxFileBytes {
		return nil, apperr.Newf(apperr.ErrCodePayloadTooLarge,
			"blob is %d bytes, limit is %d", len(content), s.settings.MaxFileBytes)
	}
	if actual := HashContent(content); actual != hash {
		return nil, apperr.New(apperr.ErrCodeHashMismatch, "content hash does not match declared hash").
			WithDetails(map[string]any{"declaredHash": hash, "actualHash": actual})
	}

	snap, err := s.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if err = requireStatus(snap, StatusUploading); err != nil {
		return nil, err
	}

	payload, err := s.prepareBlobPayload(ctx, hash, content, contentType)
	if err != nil {
		return nil, err
	}

	var (
		blob    Blob
		written bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSnapshot(tx, snapshotID)
		if err != nil {
			return err
		}
		if err = requireStatus(locked, StatusUploading); err != nil {
			return err
		}

		var refs int64
		if err = tx.Model(&SnapshotFile{}).
			Where("snapshot_id = ? AND blob_sha256 = ? AND is_deleted = ?", snapshotID, hash, false).
			Count(&refs).Error; err != nil {
			return errors.Wrap(err, "count blob references")
		}
		if refs == 0 {
			return apperr.Newf(apperr.ErrCodeNotFound, "blob %s is not referenced by snapshot %s", hash, snapshotID)
		}

		if err = tx.Omit("content").Where("sha256 = ?", hash).Take(&blob).Error; err != nil {
			return errors.Wrap(err, "load blob")
		}
		if blob.SizeBytes != int64(len(content)) {
			return sizeMismatchError(hash, blob.SizeBytes, int64(len(content)))
		}

		if written, err = writeBlobBytes(tx, payload); err != nil {
			return err
		}
		if err = tx.Omit("content").Where("sha256 = ?", hash).Take(&blob).Error; err != nil {
			return errors.Wrap(err, "reload blob")
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s.log(ctx).Info("blob content stored",
		zap.String("snapshot_id", snapshotID.String()),
		zap.String("sha256", hash),
		zap.String("backend", blob.Backend),
		zap.Bool("deduplicated", !written),
	)
	return &blob, nil
}

// ReadBlob returns the bytes stored for a hash referenced by the snapshot.
func (s *Service) ReadBlob(ctx context.Context, snapshotID uuid.UUID, rawHash string) ([]byte, error) {
	hash, err := NormalizeHash(rawHash)
	if err != nil {
		return nil, err
	}

	var refs int64
	if err = s.db.WithContext(ctx).Model(&SnapshotFile{}).
		Where("snapshot_id = ? AND blob_sha256 = ?", snapshotID, hash).
		Count(&refs).Error; err != nil {
		return nil, errors.Wrap(err, "count blob references")
	}
	if refs == 0 {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "blob %s is not referenced by snapshot %s", hash, snapshotID)
	}

	var blob Blob
	if err = s.db.WithContext(ctx).Where("sha256 = ?", hash).Take(&blob).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "blob %s not found", hash)
		}
		return nil, errors.Wrap(err, "load blob")
	}

	switch blob.Backend {
	case BackendInline:
		if blob.Content == nil {
			return []byte{}, nil
		}
		return blob.Content, nil
	case BackendObject:
		if s.objects == nil || blob.StorageKey == nil {
			return nil, apperr.Newf(apperr.ErrCodeUnavailable, "blob %s is stored externally and no object store is configured", hash)
		}
		content, err := s.objects.Get(ctx, *blob.StorageKey)
		if err != nil {
			return nil, errors.Wrap(err, "get blob object")
		}
		return content, nil
	default:
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "blob %s has no content yet", hash)
	}
}
