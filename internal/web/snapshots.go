package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	errors "github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/snapshot"
)

func (s *Server) registerSnapshotRoutes(api *gin.RouterGroup) {
	api.POST("/snapshots", s.mutating(ScopeSnapshotsWrite, s.handshake)...)
	api.GET("/snapshots/:id", s.getSnapshot)
	api.GET("/snapshots/:id/files", s.listFiles)
	api.POST("/snapshots/:id/files", s.mutating(ScopeSnapshotsWrite, s.uploadFile)...)
	api.PUT("/snapshots/:id/blobs/:hash", s.mutating(ScopeSnapshotsWrite, s.writeBlob)...)
	api.GET("/snapshots/:id/blobs/:hash", s.readBlob)
	api.POST("/snapshots/:id/finalize", s.mutating(ScopeSnapshotsWrite, s.finalize)...)
}

type uploadPlan struct {
	BlobEndpoint     string                 `json:"blobEndpoint"`
	FileEndpoint     string                 `json:"fileEndpoint"`
	FinalizeEndpoint string                 `json:"finalizeEndpoint"`
	MaxFileBytes     int64                  `json:"maxFileBytes"`
	Blobs            []snapshot.PlannedBlob `json:"blobs"`
}

func (s *Server) handshake(c *gin.Context) {
	var req snapshot.HandshakeRequest
	if !bindJSON(c, s.settings.MaxRequestBytes, &req) {
		return
	}

	res, err := s.snapshots.Handshake(c, userID(c), req)
	if err != nil {
		renderError(c, err, nil)
		return
	}

	snapView, err := copyView[snapshotView](res.Snapshot)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	projView, err := copyView[projectView](res.Project)
	if err != nil {
		renderError(c, err, nil)
		return
	}

	base := fmt.Sprintf("/api/v1/snapshots/%s", res.Snapshot.ID)
	plan := uploadPlan{
		BlobEndpoint:     base + "/blobs/{hash}",
		FileEndpoint:     base + "/files",
		FinalizeEndpoint: base + "/finalize",
		MaxFileBytes:     s.snapshots.Settings().MaxFileBytes,
		Blobs:            res.Plan,
	}
	if plan.Blobs == nil {
		plan.Blobs = []snapshot.PlannedBlob{}
	}
	missing := res.MissingBlobs
	if missing == nil {
		missing = []string{}
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"snapshotId":   res.Snapshot.ID,
		"snapshot":     snapView,
		"project":      projView,
		"created":      res.Created,
		"missingBlobs": missing,
		"upload":       plan,
	})
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	agg, err := s.snapshots.Aggregate(c, snap.ID)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	renderView[snapshotView](c, http.StatusOK, "snapshot", snap, gin.H{"aggregate": agg})
}

func (s *Server) listFiles(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	includeDeleted, _ := strconv.ParseBool(c.Query("includeDeleted"))

	files, next, err := s.snapshots.ListFiles(c, snap.ID, c.Query("cursor"), limit, includeDeleted)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	views, err := copyView[[]fileView](files)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	if views == nil {
		views = []fileView{}
	}
	c.JSON(http.StatusOK, gin.H{"files": views, "nextCursor": next})
}

func (s *Server) uploadFile(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	var entry snapshot.ManifestEntry
	if !bindJSON(c, s.settings.MaxRequestBytes, &entry) {
		return
	}

	file, err := s.snapshots.UploadFile(c, snap.ID, entry)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	renderView[fileView](c, http.StatusOK, "file", file, nil)
}

func (s *Server) writeBlob(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}

	limit := s.snapshots.Settings().MaxFileBytes
	content, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			tooLarge(c, limit)
			return
		}
		badRequest(c, "read blob body: "+err.Error())
		return
	}

	blob, err := s.snapshots.WriteBlob(c, snap.ID, c.Param("hash"), content, c.ContentType())
	if err != nil {
		renderError(c, err, nil)
		return
	}
	renderView[blobView](c, http.StatusOK, "blob", blob, nil)
}

func (s *Server) readBlob(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	content, err := s.snapshots.ReadBlob(c, snap.ID, c.Param("hash"))
	if err != nil {
		renderError(c, err, nil)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) finalize(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}

	res, err := s.snapshots.Finalize(c, snap.ID)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	view, err := copyView[snapshotView](res.Snapshot)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	missing := res.MissingBlobs
	if missing == nil {
		missing = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshotId":   res.Snapshot.ID,
		"status":       res.Snapshot.Status,
		"missingBlobs": missing,
		"snapshot":     view,
	})
}
