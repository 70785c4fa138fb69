package runs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPWorkerSuccess(t *testing.T) {
	var got WorkerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"output":{"score":3}}`))
	}))
	defer srv.Close()

	worker, err := NewHTTPWorker(srv.URL, "secret", nil)
	require.NoError(t, err)

	resp, err := worker.Run(context.Background(), WorkerRequest{
		RunID:      "run-1",
		SnapshotID: "snap-1",
		Type:       TypeAudit,
		Input:      json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.JSONEq(t, `{"score":3}`, string(resp.Output))
	require.Equal(t, "run-1", got.RunID)
	require.JSONEq(t, `{"a":1}`, string(got.Input))
}

// TestHTTPWorkerReportedFailure verifies a failure body on an error status is a job failure, not a transport one.
func TestHTTPWorkerReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"ok":false,"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	worker, err := NewHTTPWorker(srv.URL, "", nil)
	require.NoError(t, err)

	resp, err := worker.Run(context.Background(), WorkerRequest{RunID: "run-1", Type: TypeAudit})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "boom", resp.Error.Message)
}

func TestHTTPWorkerTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal"))
	}))
	defer srv.Close()

	worker, err := NewHTTPWorker(srv.URL, "", nil)
	require.NoError(t, err)
	_, err = worker.Run(context.Background(), WorkerRequest{RunID: "run-1"})
	require.ErrorContains(t, err, "worker status 500")

	slow, err := NewHTTPWorker(srv.URL+"/slow", "", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Run(ctx, WorkerRequest{RunID: "run-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = NewHTTPWorker("  ", "", nil)
	require.Error(t, err)
}
