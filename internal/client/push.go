package client

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/log"
)

// binarySniffBytes is how much of a file is scanned for NUL bytes.
const binarySniffBytes = 8000

// PushOptions controls one directory upload.
type PushOptions struct {
	ProjectName    string
	ProjectSlug    string
	Provider       string
	IdempotencyKey string
	BaseSnapshotID string
	// Concurrency bounds parallel blob uploads, defaults to 4.
	Concurrency int
}

// PushResult summarizes a finished upload.
type PushResult struct {
	SnapshotID    string
	Status        string
	Files         int
	UploadedBlobs int
	MissingBlobs  []string
}

// BuildManifest walks root and describes every regular file, skipping .git.
// Paths use forward slashes relative to root.
func BuildManifest(root string) ([]snapshot.ManifestEntry, error) {
	var entries []snapshot.ManifestEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %s", path)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrapf(err, "relative path of %s", path)
		}

		mode := int(info.Mode().Perm())
		mtime := info.ModTime().UTC()
		entries = append(entries, snapshot.ManifestEntry{
			Path:      filepath.ToSlash(rel),
			BlobHash:  snapshot.HashContent(content),
			SizeBytes: int64(len(content)),
			IsBinary:  isBinary(content),
			Mode:      &mode,
			Mtime:     &mtime,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for i := range entries {
		idx := i
		entries[i].OrderIndex = &idx
	}
	return entries, nil
}

func isBinary(content []byte) bool {
	if len(content) > binarySniffBytes {
		content = content[:binarySniffBytes]
	}
	return bytes.IndexByte(content, 0) >= 0
}

// Push uploads root as a new snapshot: handshake, upload of the blobs the
// server is missing, then finalize.
func (c *Client) Push(ctx context.Context, root string, opt PushOptions) (*PushResult, error) {
	logger := log.FromContext(ctx, c.logger)

	manifest, err := BuildManifest(root)
	if err != nil {
		return nil, err
	}
	req := snapshot.HandshakeRequest{
		ProjectName: opt.ProjectName,
		ProjectSlug: opt.ProjectSlug,
		Provider:    opt.Provider,
		Manifest:    manifest,
	}
	if opt.IdempotencyKey != "" {
		req.IdempotencyKey = &opt.IdempotencyKey
	}
	if opt.BaseSnapshotID != "" {
		req.BaseSnapshotID = &opt.BaseSnapshotID
	}
	if abs, err := filepath.Abs(root); err == nil {
		req.RepoRoot = &abs
	}

	hs, err := c.Handshake(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Info("handshake done",
		zap.String("snapshot_id", hs.SnapshotID),
		zap.Bool("created", hs.Created),
		zap.Int("files", len(manifest)),
		zap.Int("missing_blobs", len(hs.MissingBlobs)))

	concurrency := opt.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, blob := range hs.Upload.Blobs {
		g.Go(func() error {
			content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(blob.Path)))
			if err != nil {
				return errors.Wrapf(err, "read %s", blob.Path)
			}
			if snapshot.HashContent(content) != blob.Hash {
				return errors.Errorf("%s changed during push", blob.Path)
			}
			return c.PutBlob(gctx, hs.SnapshotID, blob.Hash, content)
		})
	}
	if err = g.Wait(); err != nil {
		return nil, errors.Wrap(err, "upload blobs")
	}

	fin, err := c.Finalize(ctx, hs.SnapshotID)
	if err != nil {
		return nil, err
	}
	res := &PushResult{
		SnapshotID:    hs.SnapshotID,
		Status:        fin.Status,
		Files:         len(manifest),
		UploadedBlobs: len(hs.Upload.Blobs),
		MissingBlobs:  fin.MissingBlobs,
	}
	if len(fin.MissingBlobs) > 0 {
		return res, errors.Errorf("snapshot %s still misses %d blobs", hs.SnapshotID, len(fin.MissingBlobs))
	}
	return res, nil
}
