package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/patches"
	"github.com/Laisky/repo-snapshot/internal/runs"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/jwt"
	"github.com/Laisky/repo-snapshot/library/throttle"
)

const readme = "hello world\n"

var allScopes = []string{ScopeSnapshotsWrite, ScopeRunsWrite, ScopePatchesWrite}

// fakeWorker counts calls and delegates to fn.
type fakeWorker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req runs.WorkerRequest) (*runs.WorkerResponse, error)
}

// Run records the call and returns fn's answer.
func (w *fakeWorker) Run(ctx context.Context, req runs.WorkerRequest) (*runs.WorkerResponse, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return w.fn(ctx, req)
}

func okWorker(output string) func(context.Context, runs.WorkerRequest) (*runs.WorkerResponse, error) {
	return func(context.Context, runs.WorkerRequest) (*runs.WorkerResponse, error) {
		return &runs.WorkerResponse{OK: true, Output: json.RawMessage(output)}, nil
	}
}

type apiTestEnv struct {
	server *Server
	signer *jwt.JWT
	worker *fakeWorker
	token  string
}

type apiError struct {
	Code     string         `json:"code"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details"`
}

func newAPITestEnv(t *testing.T, fn func(context.Context, runs.WorkerRequest) (*runs.WorkerResponse, error)) *apiTestEnv {
	return newAPITestEnvWithSettings(t, DefaultSettings(), fn)
}

func newAPITestEnvWithSettings(t *testing.T, settings Settings, fn func(context.Context, runs.WorkerRequest) (*runs.WorkerResponse, error)) *apiTestEnv {
	setupGinTestMode()

	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	snapshots, err := snapshot.NewService(db, snapshot.DefaultSettings(), nil, nil, nil)
	require.NoError(t, err)
	worker := &fakeWorker{fn: fn}
	runSvc, err := runs.NewService(db, snapshots, worker, nil, runs.DefaultSettings(), nil, nil)
	require.NoError(t, err)
	patchSvc, err := patches.NewService(db, snapshots, patches.DefaultSettings(), nil, nil)
	require.NoError(t, err)

	signer, err := jwt.New([]byte("test-secret"), nil)
	require.NoError(t, err)
	token, err := signer.Sign("owner-1", allScopes, time.Hour)
	require.NoError(t, err)

	srv, err := NewServer(Dependencies{
		Snapshots: snapshots,
		Runs:      runSvc,
		Patches:   patchSvc,
		Tokens:    signer,
		Limiter:   throttle.NewMemoryLimiter(nil),
		Settings:  settings,
	})
	require.NoError(t, err)

	return &apiTestEnv{server: srv, signer: signer, worker: worker, token: token}
}

func (e *apiTestEnv) tokenFor(t *testing.T, userID string, scopes ...string) string {
	token, err := e.signer.Sign(userID, scopes, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends body as JSON unless it is already a []byte.
func (e *apiTestEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	var body struct {
		Error apiError `json:"error"`
	}
	decodeJSON(t, w, &body)
	return body.Error
}

type handshakeResponse struct {
	SnapshotID   string   `json:"snapshotId"`
	Created      bool     `json:"created"`
	MissingBlobs []string `json:"missingBlobs"`
	Snapshot     struct {
		Status string `json:"status"`
	} `json:"snapshot"`
	Upload struct {
		BlobEndpoint     string `json:"blobEndpoint"`
		FinalizeEndpoint string `json:"finalizeEndpoint"`
		MaxFileBytes     int64  `json:"maxFileBytes"`
		Blobs            []struct {
			Hash      string `json:"hash"`
			SizeBytes int64  `json:"sizeBytes"`
			Path      string `json:"path"`
		} `json:"blobs"`
	} `json:"upload"`
}

type runResponse struct {
	Run struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		Error      *string         `json:"error"`
		Output     json.RawMessage `json:"output"`
		FinishedAt *time.Time      `json:"finishedAt"`
	} `json:"run"`
	Deduplicated bool `json:"deduplicated"`
}

type patchResponse struct {
	Patch struct {
		ID          string     `json:"id"`
		Status      string     `json:"status"`
		PatchFormat string     `json:"patchFormat"`
		PatchBody   string     `json:"patchBody"`
		AppliedAt   *time.Time `json:"appliedAt"`
	} `json:"patch"`
}

func readmeManifest() map[string]any {
	return map[string]any{
		"projectName": "Demo Repo",
		"manifest": []map[string]any{{
			"path":      "README.md",
			"blobHash":  snapshot.HashContent([]byte(readme)),
			"sizeBytes": len(readme),
		}},
	}
}

// readySnapshot handshakes README.md with inline content and finalizes it.
func (e *apiTestEnv) readySnapshot(t *testing.T) string {
	req := readmeManifest()
	req["manifest"].([]map[string]any)[0]["contentBase64"] = "aGVsbG8gd29ybGQK"

	w := e.do(t, http.MethodPost, "/api/v1/snapshots", e.token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var hs handshakeResponse
	decodeJSON(t, w, &hs)
	require.Empty(t, hs.MissingBlobs)

	w = e.do(t, http.MethodPost, hs.Upload.FinalizeEndpoint, e.token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return hs.SnapshotID
}

// TestSnapshotUploadFlow verifies handshake, blob upload, finalize and the read routes.
func TestSnapshotUploadFlow(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))
	hash := snapshot.HashContent([]byte(readme))

	w := env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, readmeManifest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var hs handshakeResponse
	decodeJSON(t, w, &hs)
	require.True(t, hs.Created)
	require.Equal(t, []string{hash}, hs.MissingBlobs)
	require.Equal(t, "UPLOADING", hs.Snapshot.Status)
	require.Len(t, hs.Upload.Blobs, 1)
	require.Equal(t, "README.md", hs.Upload.Blobs[0].Path)
	require.Equal(t, "/api/v1/snapshots/"+hs.SnapshotID+"/blobs/{hash}", hs.Upload.BlobEndpoint)
	require.Positive(t, hs.Upload.MaxFileBytes)

	base := "/api/v1/snapshots/" + hs.SnapshotID

	w = env.do(t, http.MethodPost, base+"/finalize", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fin struct {
		Status       string   `json:"status"`
		MissingBlobs []string `json:"missingBlobs"`
	}
	decodeJSON(t, w, &fin)
	require.Equal(t, "UPLOADING", fin.Status)
	require.Equal(t, []string{hash}, fin.MissingBlobs)

	w = env.do(t, http.MethodPut, base+"/blobs/"+hash, env.token, []byte(readme))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, base+"/blobs/"+hash, env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, readme, w.Body.String())

	w = env.do(t, http.MethodPost, base+"/finalize", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &fin)
	require.Equal(t, "READY", fin.Status)
	require.Empty(t, fin.MissingBlobs)

	w = env.do(t, http.MethodGet, base, env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Snapshot struct {
			Status string `json:"status"`
		} `json:"snapshot"`
		Aggregate snapshot.Aggregate `json:"aggregate"`
	}
	decodeJSON(t, w, &got)
	require.Equal(t, "READY", got.Snapshot.Status)
	require.Equal(t, snapshot.Aggregate{FileCount: 1, TotalBytes: int64(len(readme))}, got.Aggregate)

	w = env.do(t, http.MethodGet, base+"/files", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var files struct {
		Files []struct {
			Path     string `json:"path"`
			BlobHash string `json:"blobHash"`
		} `json:"files"`
	}
	decodeJSON(t, w, &files)
	require.Len(t, files.Files, 1)
	require.Equal(t, hash, files.Files[0].BlobHash)

	// a replayed handshake against the READY snapshot changes nothing
	req := readmeManifest()
	req["idempotencyKey"] = "k1"
	w = env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, req)
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, req)
	require.Equal(t, http.StatusOK, w.Code)
}

// TestUploadFileRoute verifies the per-file upload answers with the stored file.
func TestUploadFileRoute(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))

	w := env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, map[string]any{"projectName": "Demo Repo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var hs handshakeResponse
	decodeJSON(t, w, &hs)

	w = env.do(t, http.MethodPost, "/api/v1/snapshots/"+hs.SnapshotID+"/files", env.token, map[string]any{
		"path":          "README.md",
		"blobHash":      snapshot.HashContent([]byte(readme)),
		"sizeBytes":     len(readme),
		"contentBase64": "aGVsbG8gd29ybGQK",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		File struct {
			Path      string `json:"path"`
			SizeBytes int64  `json:"sizeBytes"`
		} `json:"file"`
	}
	decodeJSON(t, w, &body)
	require.Equal(t, "README.md", body.File.Path)
	require.EqualValues(t, len(readme), body.File.SizeBytes)

	w = env.do(t, http.MethodPost, "/api/v1/snapshots/"+hs.SnapshotID+"/files", env.token, map[string]any{
		"path":          "README.md",
		"blobHash":      snapshot.HashContent([]byte("other")),
		"sizeBytes":     len(readme),
		"contentBase64": "aGVsbG8gd29ybGQK",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "HASH_MISMATCH", decodeError(t, w).Code)
}

// TestAuthentication verifies token and scope checks.
func TestAuthentication(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))

	w := env.do(t, http.MethodGet, "/api/v1/runs/0190d5f6-0000-7000-8000-000000000000", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", decodeError(t, w).Category)

	w = env.do(t, http.MethodGet, "/api/v1/runs/0190d5f6-0000-7000-8000-000000000000", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	readOnly := env.tokenFor(t, "owner-1")
	w = env.do(t, http.MethodPost, "/api/v1/snapshots", readOnly, readmeManifest())
	require.Equal(t, http.StatusForbidden, w.Code)
	apiErr := decodeError(t, w)
	require.Equal(t, "FORBIDDEN", apiErr.Code)
	require.Equal(t, ScopeSnapshotsWrite, apiErr.Details["requiredScope"])
}

// TestOwnershipIsolation verifies other users see foreign snapshots, runs and patches as missing.
func TestOwnershipIsolation(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))
	snapshotID := env.readySnapshot(t)

	w := env.do(t, http.MethodPost, "/api/v1/snapshots/"+snapshotID+"/runs", env.token, map[string]any{"type": "audit"})
	require.Equal(t, http.StatusOK, w.Code)
	var run runResponse
	decodeJSON(t, w, &run)

	stranger := env.tokenFor(t, "owner-2", allScopes...)
	for _, path := range []string{
		"/api/v1/snapshots/" + snapshotID,
		"/api/v1/snapshots/" + snapshotID + "/runs",
		"/api/v1/runs/" + run.Run.ID,
		"/api/v1/patches?snapshotId=" + snapshotID,
	} {
		w = env.do(t, http.MethodGet, path, stranger, nil)
		require.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w = env.do(t, http.MethodPost, "/api/v1/snapshots/"+snapshotID+"/runs", stranger, map[string]any{"type": "audit"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

// TestRunRoutes verifies creation, de-duplication on replay after completion and reads.
func TestRunRoutes(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{"findings":[]}`))
	snapshotID := env.readySnapshot(t)
	base := "/api/v1/snapshots/" + snapshotID + "/runs"

	w := env.do(t, http.MethodPost, base, env.token, map[string]any{"type": "audit", "input": map[string]any{"depth": 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created runResponse
	decodeJSON(t, w, &created)
	require.Equal(t, "SUCCESS", created.Run.Status)
	require.False(t, created.Deduplicated)
	require.JSONEq(t, `{"findings":[]}`, string(created.Run.Output))
	require.NotNil(t, created.Run.FinishedAt)

	w = env.do(t, http.MethodGet, base+"?type=audit", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs []struct {
			ID string `json:"id"`
		} `json:"runs"`
	}
	decodeJSON(t, w, &list)
	require.Len(t, list.Runs, 1)
	require.Equal(t, created.Run.ID, list.Runs[0].ID)

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+created.Run.ID, env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, base, env.token, map[string]any{"type": "deploy"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "validation", decodeError(t, w).Category)
}

// TestRunWorkerFailureReturnsRun verifies a failed worker answers 502 with the FAILED run.
func TestRunWorkerFailureReturnsRun(t *testing.T) {
	env := newAPITestEnv(t, func(context.Context, runs.WorkerRequest) (*runs.WorkerResponse, error) {
		return &runs.WorkerResponse{OK: false, Error: &runs.WorkerError{Message: "boom"}}, nil
	})
	snapshotID := env.readySnapshot(t)

	w := env.do(t, http.MethodPost, "/api/v1/snapshots/"+snapshotID+"/runs", env.token, map[string]any{"type": "suggest"})
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body struct {
		Error apiError `json:"error"`
		runResponse
	}
	decodeJSON(t, w, &body)
	require.Equal(t, "WORKER_FAILED", body.Error.Code)
	require.Equal(t, "upstream-failure", body.Error.Category)
	require.Equal(t, "FAILED", body.Run.Status)
	require.NotNil(t, body.Run.Error)
	require.Equal(t, "boom", *body.Run.Error)
	require.NotNil(t, body.Run.FinishedAt)
}

// TestRunRequiresReadySnapshot verifies runs against an UPLOADING snapshot conflict.
func TestRunRequiresReadySnapshot(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))

	w := env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, readmeManifest())
	require.Equal(t, http.StatusCreated, w.Code)
	var hs handshakeResponse
	decodeJSON(t, w, &hs)

	w = env.do(t, http.MethodPost, "/api/v1/snapshots/"+hs.SnapshotID+"/runs", env.token, map[string]any{"type": "audit"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "state-conflict", decodeError(t, w).Category)
	require.Zero(t, env.worker.calls)
}

// TestPatchRoutes verifies create, list, raw retrieval and status update.
func TestPatchRoutes(t *testing.T) {
	env := newAPITestEnv(t, okWorker(`{}`))
	snapshotID := env.readySnapshot(t)
	body := "--- a/README.md\n+++ b/README.md\n@@ -1 +1 @@\n-hello world\n+hello there\n"

	req := map[string]any{
		"snapshotId":     snapshotID,
		"path":           "README.md",
		"baseBlobHash":   snapshot.HashContent([]byte(readme)),
		"patchFormat":    "unified",
		"patchBody":      body,
		"idempotencyKey": "p-1",
	}
	w := env.do(t, http.MethodPost, "/api/v1/patches", env.token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created patchResponse
	decodeJSON(t, w, &created)
	require.Equal(t, "PENDING", created.Patch.Status)
	require.Equal(t, "unified", created.Patch.PatchFormat)

	w = env.do(t, http.MethodPost, "/api/v1/patches", env.token, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/patches?snapshotId="+snapshotID+"&status=pending", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Patches    []struct{ ID string } `json:"patches"`
		NextCursor string                `json:"nextCursor"`
	}
	decodeJSON(t, w, &list)
	require.Len(t, list.Patches, 1)
	require.Empty(t, list.NextCursor)

	w = env.do(t, http.MethodGet, "/api/v1/patches?snapshotId="+snapshotID+"&patchId="+created.Patch.ID+"&format=raw", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	require.Equal(t, body, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/patches/"+created.Patch.ID+"?format=raw", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, body, w.Body.String())

	w = env.do(t, http.MethodPatch, "/api/v1/patches/"+created.Patch.ID, env.token, map[string]any{"status": "APPLIED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var applied patchResponse
	decodeJSON(t, w, &applied)
	require.Equal(t, "APPLIED", applied.Patch.Status)
	require.NotNil(t, applied.Patch.AppliedAt)

	w = env.do(t, http.MethodPatch, "/api/v1/patches/"+created.Patch.ID, env.token, map[string]any{"status": "REJECTED"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "APPLIED", decodeError(t, w).Details["currentStatus"])

	w = env.do(t, http.MethodGet, "/api/v1/patches", env.token, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// TestRequestBodyLimit verifies oversized JSON bodies answer 413.
func TestRequestBodyLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxRequestBytes = 64
	env := newAPITestEnvWithSettings(t, settings, okWorker(`{}`))

	w := env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, readmeManifest())
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Equal(t, "resource-limit", decodeError(t, w).Category)
}

// TestRateLimit verifies the per-IP window denies with Retry-After.
func TestRateLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.IPLimit = 1
	env := newAPITestEnvWithSettings(t, settings, okWorker(`{}`))

	w := env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, readmeManifest())
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/snapshots", env.token, readmeManifest())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	apiErr := decodeError(t, w)
	require.Equal(t, "RATE_LIMITED", apiErr.Code)
	require.Equal(t, "rate-limited", apiErr.Category)

	// reads are not limited
	w = env.do(t, http.MethodGet, "/api/v1/patches?snapshotId=not-a-uuid", env.token, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
