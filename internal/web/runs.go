package web

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/internal/runs"
)

func (s *Server) registerRunRoutes(api *gin.RouterGroup) {
	api.POST("/snapshots/:id/runs", s.mutating(ScopeRunsWrite, s.createRun)...)
	api.GET("/snapshots/:id/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
}

type createRunRequest struct {
	Type      string          `json:"type"`
	Input     json.RawMessage `json:"input,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// createRun answers 200 with the run, or the error status with both the
// error and the FAILED run when the worker did not succeed.
func (s *Server) createRun(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	var req createRunRequest
	if !bindJSON(c, s.settings.MaxRequestBytes, &req) {
		return
	}

	run, created, err := s.runs.CreateRun(c, runs.CreateParams{
		SnapshotID: snap.ID,
		Type:       req.Type,
		Input:      req.Input,
		TimeoutMs:  req.TimeoutMs,
	})
	if err != nil {
		var extra gin.H
		if run != nil {
			view, copyErr := copyView[runView](run)
			if copyErr != nil {
				renderError(c, copyErr, nil)
				return
			}
			extra = gin.H{"run": view}
		}
		renderError(c, err, extra)
		return
	}

	renderView[runView](c, http.StatusOK, "run", run, gin.H{"deduplicated": !created})
}

func (s *Server) listRuns(c *gin.Context) {
	snap, ok := s.ownedSnapshot(c, c.Param("id"))
	if !ok {
		return
	}
	list, err := s.runs.ListRuns(c, snap.ID, c.Query("type"))
	if err != nil {
		renderError(c, err, nil)
		return
	}
	views, err := copyView[[]runView](list)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	if views == nil {
		views = []runView{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": views})
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := parseUUID(c, c.Param("id"), "run id")
	if !ok {
		return
	}
	run, err := s.runs.GetRun(c, id)
	if err != nil {
		renderError(c, err, nil)
		return
	}
	if _, err = s.snapshots.GetOwnedSnapshot(c, userID(c), run.SnapshotID); err != nil {
		if apperr.IsCode(err, apperr.ErrCodeNotFound) {
			err = apperr.Newf(apperr.ErrCodeNotFound, "run %s not found", id)
		}
		renderError(c, err, nil)
		return
	}
	renderView[runView](c, http.StatusOK, "run", run, nil)
}
