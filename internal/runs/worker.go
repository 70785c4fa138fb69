package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	errors "github.com/Laisky/errors/v2"
)

const maxWorkerResponseBytes = 8 << 20

// WorkerRequest is sent to the analysis worker for one run.
type WorkerRequest struct {
	RunID      string          `json:"runId"`
	SnapshotID string          `json:"snapshotId"`
	Type       string          `json:"type"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// WorkerError is the failure payload reported by the worker.
type WorkerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WorkerResponse is the worker's verdict. OK=false carries Error.
type WorkerResponse struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *WorkerError    `json:"error,omitempty"`
}

// Worker executes analysis jobs. A returned error means the call itself
// failed; a job that ran and failed is reported through WorkerResponse.
type Worker interface {
	Run(ctx context.Context, req WorkerRequest) (*WorkerResponse, error)
}

// HTTPWorker calls a worker over JSON HTTP.
type HTTPWorker struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPWorker constructs a worker client. The deadline of each call comes
// from its context, so client should not carry a shorter timeout of its own.
func NewHTTPWorker(endpoint, token string, client *http.Client) (*HTTPWorker, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("worker endpoint is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWorker{
		endpoint: endpoint,
		token:    token,
		client:   client,
	}, nil
}

// Run posts the request and decodes the worker response.
func (w *HTTPWorker) Run(ctx context.Context, wreq WorkerRequest) (*WorkerResponse, error) {
	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, errors.Wrap(err, "marshal worker request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build worker request")
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call worker")
	}
	defer resp.Body.Close() // nolint: errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read worker response")
	}

	var parsed WorkerResponse
	decodeErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// workers may answer a failed job with a non-2xx status and a regular body
		if decodeErr == nil && !parsed.OK && parsed.Error != nil {
			return &parsed, nil
		}
		return nil, errors.Errorf("worker status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if decodeErr != nil {
		return nil, errors.Wrap(decodeErr, "decode worker response")
	}
	return &parsed, nil
}
