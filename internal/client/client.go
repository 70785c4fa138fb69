// Package client talks to the snapshot API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"

	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/log"
)

const maxResponseBytes = 64 << 20

// APIError is a structured error answered by the server.
type APIError struct {
	Status    int            `json:"-"`
	Code      string         `json:"code"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s: %s", e.Status, e.Code, e.Message)
}

// Client is a thin JSON client for /api/v1.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  logSDK.Logger
}

// New creates a client for baseURL, like "http://localhost:8080".
// httpClient may be nil.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid api url %q", baseURL)
	}
	if httpClient == nil {
		if httpClient, err = gutils.NewHTTPClient(
			gutils.WithHTTPClientTimeout(5 * time.Minute),
		); err != nil {
			return nil, errors.Wrap(err, "new http client")
		}
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/") + "/api/v1",
		token:   strings.TrimSpace(token),
		http:    httpClient,
		logger:  log.Logger.Named("client"),
	}, nil
}

// Snapshot mirrors the server's snapshot view.
type Snapshot struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"projectId"`
	BaseSnapshotID *string         `json:"baseSnapshotId,omitempty"`
	Provider       string          `json:"provider"`
	ManifestHash   *string         `json:"manifestHash,omitempty"`
	Status         string          `json:"status"`
	FinalizedAt    *time.Time      `json:"finalizedAt,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Project mirrors the server's project view.
type Project struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// UploadPlan tells the client where and what to upload.
type UploadPlan struct {
	BlobEndpoint     string                 `json:"blobEndpoint"`
	FileEndpoint     string                 `json:"fileEndpoint"`
	FinalizeEndpoint string                 `json:"finalizeEndpoint"`
	MaxFileBytes     int64                  `json:"maxFileBytes"`
	Blobs            []snapshot.PlannedBlob `json:"blobs"`
}

// HandshakeResponse is the answer to a handshake.
type HandshakeResponse struct {
	SnapshotID   string     `json:"snapshotId"`
	Snapshot     Snapshot   `json:"snapshot"`
	Project      Project    `json:"project"`
	Created      bool       `json:"created"`
	MissingBlobs []string   `json:"missingBlobs"`
	Upload       UploadPlan `json:"upload"`
}

// FinalizeResponse is the answer to a finalize call.
type FinalizeResponse struct {
	SnapshotID   string   `json:"snapshotId"`
	Status       string   `json:"status"`
	MissingBlobs []string `json:"missingBlobs"`
	Snapshot     Snapshot `json:"snapshot"`
}

// Run mirrors the server's run view.
type Run struct {
	ID         string          `json:"id"`
	SnapshotID string          `json:"snapshotId"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Patch mirrors the server's patch view.
type Patch struct {
	ID           string     `json:"id"`
	SnapshotID   string     `json:"snapshotId"`
	Path         string     `json:"path"`
	BaseBlobHash string     `json:"baseBlobHash"`
	PatchFormat  string     `json:"patchFormat"`
	PatchBody    string     `json:"patchBody"`
	Status       string     `json:"status"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// PatchQuery filters a patch listing.
type PatchQuery struct {
	SnapshotID string
	PatchID    string
	Status     string
	Cursor     string
	Limit      int
}

func (q PatchQuery) values(raw bool) url.Values {
	v := url.Values{}
	v.Set("snapshotId", q.SnapshotID)
	if q.PatchID != "" {
		v.Set("patchId", q.PatchID)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	if raw {
		v.Set("format", "raw")
	}
	return v
}

// Handshake opens or replays an upload session.
func (c *Client) Handshake(ctx context.Context, req snapshot.HandshakeRequest) (*HandshakeResponse, error) {
	out := new(HandshakeResponse)
	if err := c.doJSON(ctx, http.MethodPost, "/snapshots", req, out); err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	return out, nil
}

// PutBlob uploads the bytes of one blob referenced by the snapshot.
func (c *Client) PutBlob(ctx context.Context, snapshotID, hash string, content []byte) error {
	path := fmt.Sprintf("/snapshots/%s/blobs/%s", url.PathEscape(snapshotID), url.PathEscape(hash))
	if _, _, err := c.do(ctx, http.MethodPut, path, "application/octet-stream", bytes.NewReader(content)); err != nil {
		return errors.Wrapf(err, "put blob %s", hash)
	}
	return nil
}

// Finalize asks the server to freeze the snapshot.
func (c *Client) Finalize(ctx context.Context, snapshotID string) (*FinalizeResponse, error) {
	out := new(FinalizeResponse)
	if err := c.doJSON(ctx, http.MethodPost, "/snapshots/"+url.PathEscape(snapshotID)+"/finalize", nil, out); err != nil {
		return nil, errors.Wrap(err, "finalize")
	}
	return out, nil
}

// CreateRun starts a run and waits for its result. When the worker fails the
// FAILED run is returned together with the *APIError.
func (c *Client) CreateRun(ctx context.Context, snapshotID, runType string, input json.RawMessage, timeoutMs int) (*Run, bool, error) {
	reqBody := map[string]any{"type": runType}
	if len(input) > 0 {
		reqBody["input"] = input
	}
	if timeoutMs > 0 {
		reqBody["timeoutMs"] = timeoutMs
	}

	var out struct {
		Run          *Run `json:"run"`
		Deduplicated bool `json:"deduplicated"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/snapshots/"+url.PathEscape(snapshotID)+"/runs", reqBody, &out)
	if err != nil {
		return out.Run, false, errors.Wrap(err, "create run")
	}
	return out.Run, out.Deduplicated, nil
}

// GetRun loads one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var out struct {
		Run *Run `json:"run"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return out.Run, nil
}

// ListPatches pages patches; the returned cursor is empty on the last page.
func (c *Client) ListPatches(ctx context.Context, q PatchQuery) ([]Patch, string, error) {
	var out struct {
		Patches    []Patch `json:"patches"`
		NextCursor string  `json:"nextCursor"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/patches?"+q.values(false).Encode(), nil, &out); err != nil {
		return nil, "", errors.Wrap(err, "list patches")
	}
	return out.Patches, out.NextCursor, nil
}

// RawPatches returns the plain-text bodies matching q.
func (c *Client) RawPatches(ctx context.Context, q PatchQuery) (string, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/patches?"+q.values(true).Encode(), "", nil)
	if err != nil {
		return "", errors.Wrap(err, "raw patches")
	}
	return string(body), nil
}

// doJSON sends in as JSON and decodes the answer into out. On an error status
// the body is still decoded into out, so partial payloads like a FAILED run survive.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	body, status, err := c.do(ctx, method, path, contentType, reader)
	if len(body) > 0 && out != nil && strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		if decodeErr := json.Unmarshal(body, out); decodeErr != nil && err == nil {
			return errors.Wrapf(decodeErr, "decode response [%d]", status)
		}
	}
	return err
}

// do sends one request and returns the body. Non-2xx answers become *APIError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "new request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "do request `%s %s`", method, req.URL.Path)
	}
	defer gutils.CloseWithLog(resp.Body, log.FromContext(ctx, c.logger))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, resp.StatusCode, nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(respBody))}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error != nil {
		apiErr = wrapped.Error
		apiErr.Status = resp.StatusCode
	}
	return respBody, resp.StatusCode, apiErr
}
