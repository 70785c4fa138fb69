package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/internal/patches"
)

const rawPatchContentType = "text/plain; charset=utf-8"

func (s *Server) registerPatchRoutes(api *gin.RouterGroup) {
	api.POST("/patches", s.mutating(ScopePatchesWrite, s.createPatch)...)
	api.GET("/patches", s.listPatches)
	api.GET("/patches/:id", s.getPatch)
	api.PATCH("/patches/:id", s.mutating(ScopePatchesWrite, s.updatePatch)...)
}

type createPatchRequest struct {
	SnapshotID     string  `json:"snapshotId"`
	Path           string  `json:"path"`
	BaseBlobHash   string  `json:"baseBlobHash"`
	PatchFormat    string  `json:"patchFormat"`
	PatchBody      string  `json:"patchBody"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty"`
}

type updatePatchRequest struct {
	Status string `json:"status"`
}

func (s *Server) createPatch(c *gin.Context) {
	var req createPatchRequest
	if !bindJSON(c, s.settings.MaxRequestBytes, &req) {
		return
	}
	snap, ok := s.ownedSnapshot(c, req.SnapshotID)
	if !ok {
		return
	}

	patch, created, err := s.patches.CreatePatch(c, patches.CreateParams{
		SnapshotID:     snap.ID,
		Path:           req.Path,
		BaseBlobHash:   req.BaseBlobHash,
		Format:         req.PatchFormat,
		Body:           req.PatchBody,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		renderError(c, err, nil)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	renderView[patchView](c, status, "patch", patch, nil)
}

// listPatches pages the patches of one snapshot. patchId narrows the result
// to that patch; format=raw writes the bodies as plain text.
func (s *Server) listPatches(c *gin.Context) {
	rawSnapshotID := c.Query("snapshotId")
	if strings.TrimSpace(rawSnapshotID) == "" {
		badRequest(c, "snapshotId is required")
		return
	}
	snap, ok := s.ownedSnapshot(c, rawSnapshotID)
	if !ok {
		return
	}

	var (
		list []patches.Patch
		next string
	)
	if rawPatchID := strings.TrimSpace(c.Query("patchId")); rawPatchID != "" {
		patchID, ok := parseUUID(c, rawPatchID, "patchId")
		if !ok {
			return
		}
		patch, err := s.patches.GetPatch(c, patchID)
		if err != nil {
			renderError(c, err, nil)
			return
		}
		if patch.SnapshotID == snap.ID && statusMatches(patch, c.Query("status")) {
			list = append(list, *patch)
		}
	} else {
		limit, ok := queryInt(c, "limit")
		if !ok {
			return
		}
		var err error
		list, next, err = s.patches.ListPatches(c, patches.ListParams{
			SnapshotID: snap.ID,
			Status:     c.Query("status"),
			Cursor:     c.Query("cursor"),
			Limit:      limit,
		})
		if err != nil {
			renderError(c, err, nil)
			return
		}
	}

	if isRaw(c) {
		if next != "" {
			c.Header("X-Next-Cursor", next)
		}
		c.Data(http.StatusOK, rawPatchContentType, []byte(joinBodies(list)))
		return
	}

	views, err := copyView[[]patchView](list)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	if views == nil {
		views = []patchView{}
	}
	c.JSON(http.StatusOK, gin.H{"patches": views, "nextCursor": next})
}

func (s *Server) getPatch(c *gin.Context) {
	patch, ok := s.ownedPatch(c)
	if !ok {
		return
	}
	if isRaw(c) {
		c.Data(http.StatusOK, rawPatchContentType, []byte(patch.Body))
		return
	}
	renderView[patchView](c, http.StatusOK, "patch", patch, nil)
}

func (s *Server) updatePatch(c *gin.Context) {
	patch, ok := s.ownedPatch(c)
	if !ok {
		return
	}
	var req updatePatchRequest
	if !bindJSON(c, s.settings.MaxRequestBytes, &req) {
		return
	}

	updated, err := s.patches.UpdateStatus(c, patch.ID, req.Status)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	renderView[patchView](c, http.StatusOK, "patch", updated, nil)
}

// ownedPatch loads the :id patch and hides patches of snapshots the caller does not own.
func (s *Server) ownedPatch(c *gin.Context) (*patches.Patch, bool) {
	id, ok := parseUUID(c, c.Param("id"), "patch id")
	if !ok {
		return nil, false
	}
	patch, err := s.patches.GetPatch(c, id)
	if err != nil {
		renderError(c, err, nil)
		return nil, false
	}
	if _, err = s.snapshots.GetOwnedSnapshot(c, userID(c), patch.SnapshotID); err != nil {
		if apperr.IsCode(err, apperr.ErrCodeNotFound) {
			err = apperr.Newf(apperr.ErrCodeNotFound, "patch %s not found", id)
		}
		renderError(c, err, nil)
		return nil, false
	}
	return patch, true
}

func isRaw(c *gin.Context) bool {
	return strings.EqualFold(strings.TrimSpace(c.Query("format")), "raw")
}

func statusMatches(patch *patches.Patch, raw string) bool {
	raw = strings.TrimSpace(raw)
	return raw == "" || strings.EqualFold(raw, patch.Status)
}

// joinBodies concatenates patch bodies so a multi-patch page pipes into one patch invocation.
func joinBodies(list []patches.Patch) string {
	var sb strings.Builder
	for _, p := range list {
		sb.WriteString(p.Body)
		if !strings.HasSuffix(p.Body, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
