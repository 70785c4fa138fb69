package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Laisky/repo-snapshot/internal/patches"
	"github.com/Laisky/repo-snapshot/internal/runs"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
)

// SnapshotService is the ingestion surface used by the snapshot routes.
type SnapshotService interface {
	Handshake(ctx context.Context, ownerID string, req snapshot.HandshakeRequest) (*snapshot.HandshakeResult, error)
	UploadFile(ctx context.Context, snapshotID uuid.UUID, entry snapshot.ManifestEntry) (*snapshot.SnapshotFile, error)
	WriteBlob(ctx context.Context, snapshotID uuid.UUID, hash string, content []byte, contentType string) (*snapshot.Blob, error)
	ReadBlob(ctx context.Context, snapshotID uuid.UUID, hash string) ([]byte, error)
	Finalize(ctx context.Context, snapshotID uuid.UUID) (*snapshot.FinalizeResult, error)
	GetOwnedSnapshot(ctx context.Context, ownerID string, snapshotID uuid.UUID) (*snapshot.Snapshot, error)
	Aggregate(ctx context.Context, snapshotID uuid.UUID) (snapshot.Aggregate, error)
	ListFiles(ctx context.Context, snapshotID uuid.UUID, cursor string, limit int, includeDeleted bool) ([]snapshot.SnapshotFile, string, error)
	Settings() snapshot.Settings
}

// RunService is the orchestration surface used by the run routes.
type RunService interface {
	CreateRun(ctx context.Context, p runs.CreateParams) (*runs.Run, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*runs.Run, error)
	ListRuns(ctx context.Context, snapshotID uuid.UUID, runType string) ([]runs.Run, error)
}

// PatchService is the ledger surface used by the patch routes.
type PatchService interface {
	CreatePatch(ctx context.Context, p patches.CreateParams) (*patches.Patch, bool, error)
	GetPatch(ctx context.Context, patchID uuid.UUID) (*patches.Patch, error)
	ListPatches(ctx context.Context, p patches.ListParams) ([]patches.Patch, string, error)
	UpdateStatus(ctx context.Context, patchID uuid.UUID, status string) (*patches.Patch, error)
}

var (
	_ SnapshotService = (*snapshot.Service)(nil)
	_ RunService      = (*runs.Service)(nil)
	_ PatchService    = (*patches.Service)(nil)
)

// mutating prefixes h with the rate limiter and a scope check.
func (s *Server) mutating(scope string, h gin.HandlerFunc) []gin.HandlerFunc {
	return []gin.HandlerFunc{s.rateLimit, requireScope(scope), h}
}

// bindJSON decodes a bounded JSON body into dst, rendering the error itself.
func bindJSON(c *gin.Context, limit int64, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			tooLarge(c, limit)
			return false
		}
		badRequest(c, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func parseUUID(c *gin.Context, raw, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		badRequest(c, what+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter, 0 when absent.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

// ownedSnapshot loads the :id snapshot, hiding snapshots of other owners.
func (s *Server) ownedSnapshot(c *gin.Context, raw string) (*snapshot.Snapshot, bool) {
	id, ok := parseUUID(c, raw, "snapshot id")
	if !ok {
		return nil, false
	}
	snap, err := s.snapshots.GetOwnedSnapshot(c, userID(c), id)
	if err != nil {
		renderError(c, err, nil)
		return nil, false
	}
	return snap, true
}

// renderView copies src into a T view and writes it under key.
func renderView[T any](c *gin.Context, status int, key string, src any, extra gin.H) {
	view, err := copyView[T](src)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	body := gin.H{key: view}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}
