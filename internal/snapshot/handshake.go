package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

const fileInsertBatch = 200

// HandshakeRequest opens (or replays) an upload session for a full manifest.
type HandshakeRequest struct {
	ProjectID       string          `json:"projectId,omitempty"`
	ProjectSlug     string          `json:"projectSlug,omitempty"`
	ProjectName     string          `json:"projectName,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	RepoRoot        *string         `json:"repoRoot,omitempty"`
	ProtocolVersion *string         `json:"protocolVersion,omitempty"`
	IdempotencyKey  *string         `json:"idempotencyKey,omitempty"`
	BaseSnapshotID  *string         `json:"baseSnapshotId,omitempty"`
	ManifestHash    *string         `json:"manifestHash,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Manifest        []ManifestEntry `json:"manifest" validate:"dive"`
}

// PlannedBlob tells the client which bytes to push for a missing hash.
type PlannedBlob struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
	// Path is one manifest path whose content has this hash.
	Path string `json:"path"`
}

// HandshakeResult is the reconciled state of the upload session.
type HandshakeResult struct {
	Snapshot     *Snapshot
	Project      *Project
	Created      bool
	MissingBlobs []string
	Plan         []PlannedBlob
}

// ComputeManifestHash derives a stable digest of a manifest, independent of entry order.
func ComputeManifestHash(entries []ManifestEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s\x00%s\x00%d\x00%t",
			e.Path, strings.ToLower(strings.TrimSpace(e.BlobHash)), e.SizeBytes, e.IsDeleted))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Handshake validates the manifest, creates the snapshot idempotently and
// records every entry, returning the hashes whose bytes are still needed.
// Replaying against a READY snapshot changes nothing.
func (s *Service) Handshake(ctx context.Context, ownerID string, req HandshakeRequest) (*HandshakeResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if len(req.Metadata) > s.settings.MaxMetadataBytes {
		return nil, apperr.Newf(apperr.ErrCodePayloadTooLarge,
			"metadata is %d bytes, limit is %d", len(req.Metadata), s.settings.MaxMetadataBytes)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, apperr.New(apperr.ErrCodeValidation, "metadata must be valid JSON")
	}

	entries, err := s.normalizeManifest(req.Manifest)
	if err != nil {
		return nil, err
	}

	var baseID *uuid.UUID
	if raw := trimOptional(req.BaseSnapshotID); raw != nil {
		id, err := uuid.Parse(*raw)
		if err != nil {
			return nil, apperr.New(apperr.ErrCodeValidation, "baseSnapshotId must be a uuid")
		}
		baseID = &id
	}

	manifestHash := trimOptional(req.ManifestHash)
	if manifestHash == nil {
		derived := ComputeManifestHash(req.Manifest)
		manifestHash = &derived
	}

	project, err := s.ResolveProject(ctx, ownerID, ProjectRef{ID: req.ProjectID, Slug: req.ProjectSlug, Name: req.ProjectName})
	if err != nil {
		return nil, err
	}

	snap, created, err := s.CreateSnapshot(ctx, CreateParams{
		ProjectID:       project.ID,
		IdempotencyKey:  req.IdempotencyKey,
		ManifestHash:    manifestHash,
		BaseSnapshotID:  baseID,
		Source:          req.Provider,
		RepoRoot:        req.RepoRoot,
		ProtocolVersion: req.ProtocolVersion,
		Metadata:        datatypes.JSON(req.Metadata),
	})
	if err != nil {
		return nil, err
	}

	result := &HandshakeResult{
		Snapshot:     snap,
		Project:      project,
		Created:      created,
		MissingBlobs: make([]string, 0),
		Plan:         make([]PlannedBlob, 0),
	}
	if snap.Status == StatusReady {
		return result, nil
	}

	payloads := make([]*blobPayload, 0)
	for _, ne := range entries {
		if !ne.hasContent {
			continue
		}
		ct := ""
		if ne.contentType != nil {
			ct = *ne.contentType
		}
		payload, err := s.prepareBlobPayload(ctx, ne.BlobHash, ne.content, ct)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockSnapshot(tx, snap.ID)
		if err != nil {
			return err
		}
		if locked.Status == StatusReady {
			return nil
		}

		refs := make([]BlobRef, 0, len(entries))
		for _, ne := range entries {
			refs = append(refs, BlobRef{Hash: ne.BlobHash, SizeBytes: ne.SizeBytes, Live: !ne.IsDeleted})
		}
		ensured, err := ensureBlobs(tx, refs)
		if err != nil {
			return err
		}
		for _, payload := range payloads {
			if _, err = writeBlobBytes(tx, payload); err != nil {
				return err
			}
		}

		rows := make([]*SnapshotFile, 0, len(entries))
		for _, ne := range entries {
			rows = append(rows, s.newFileRow(snap.ID, ne, ensured.BlobByHash[ne.BlobHash]))
		}
		if len(rows) > 0 {
			if err = tx.Clauses(fileUpsertClause()).CreateInBatches(rows, fileInsertBatch).Error; err != nil {
				return errors.Wrap(err, "upsert manifest files")
			}
		}

		agg, err := aggregate(tx, snap.ID)
		if err != nil {
			return err
		}
		if err = s.checkAggregate(agg); err != nil {
			return err
		}

		result.MissingBlobs, err = missingBlobs(tx, snap.ID)
		return err
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	pathByHash := make(map[string]*normalizedEntry, len(entries))
	for _, ne := range entries {
		if _, ok := pathByHash[ne.BlobHash]; !ok && !ne.IsDeleted {
			pathByHash[ne.BlobHash] = ne
		}
	}
	for _, hash := range result.MissingBlobs {
		planned := PlannedBlob{Hash: hash}
		if ne, ok := pathByHash[hash]; ok {
			planned.Path = ne.Path
			planned.SizeBytes = ne.SizeBytes
		}
		result.Plan = append(result.Plan, planned)
	}

	s.log(ctx).Info("snapshot handshake",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("project_id", project.ID.String()),
		zap.Bool("created", created),
		zap.Int("manifest_entries", len(entries)),
		zap.Int("missing_blobs", len(result.MissingBlobs)),
	)
	return result, nil
}

// normalizeManifest validates every entry and the manifest-level budgets.
func (s *Service) normalizeManifest(manifest []ManifestEntry) ([]*normalizedEntry, error) {
	entries := make([]*normalizedEntry, 0, len(manifest))
	seen := make(map[string]struct{}, len(manifest))
	var agg Aggregate
	for idx, entry := range manifest {
		ne, err := s.normalizeEntry(entry, idx)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ne.Path]; dup {
			return nil, apperr.Newf(apperr.ErrCodeValidation, "path %q appears more than once", ne.Path)
		}
		seen[ne.Path] = struct{}{}

		if ne.content, ne.hasContent, err = decodeContent(entry); err != nil {
			return nil, err
		}
		if ne.hasContent {
			if int64(len(ne.content)) != ne.SizeBytes {
				return nil, apperr.Newf(apperr.ErrCodeValidation,
					"file %q declares %d bytes but content has %d", ne.Path, ne.SizeBytes, len(ne.content))
			}
			if actual := HashContent(ne.content); actual != ne.BlobHash {
				return nil, apperr.Newf(apperr.ErrCodeHashMismatch, "content hash of %q does not match declared hash", ne.Path).
					WithDetails(map[string]any{"path": ne.Path, "declaredHash": ne.BlobHash, "actualHash": actual})
			}
		}

		if !ne.IsDeleted {
			agg.FileCount++
			agg.TotalBytes += ne.SizeBytes
		}
		entries = append(entries, ne)
	}

	if err := s.checkAggregate(agg); err != nil {
		return nil, err
	}
	return entries, nil
}

// checkAggregate compares a live aggregate against the snapshot budgets.
func (s *Service) checkAggregate(agg Aggregate) error {
	if agg.FileCount > int64(s.settings.MaxFiles) {
		return apperr.Newf(apperr.ErrCodeQuotaExceeded,
			"snapshot would hold %d files, limit is %d", agg.FileCount, s.settings.MaxFiles).
			WithDetails(map[string]any{"fileCount": agg.FileCount, "maxFiles": s.settings.MaxFiles})
	}
	if agg.TotalBytes > s.settings.MaxSnapshotBytes {
		return apperr.Newf(apperr.ErrCodeQuotaExceeded,
			"snapshot would hold %d bytes, limit is %d", agg.TotalBytes, s.settings.MaxSnapshotBytes).
			WithDetails(map[string]any{"totalBytes": agg.TotalBytes, "maxSnapshotBytes": s.settings.MaxSnapshotBytes})
	}
	return nil
}
