package runs

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/snapshot"
)

// fakeWorker counts calls and delegates to fn.
type fakeWorker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req WorkerRequest) (*WorkerResponse, error)
}

// Run records the call and returns fn's answer.
func (w *fakeWorker) Run(ctx context.Context, req WorkerRequest) (*WorkerResponse, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return w.fn(ctx, req)
}

func (w *fakeWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// recordingSink keeps emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends evt.
func (s *recordingSink) Emit(_ context.Context, evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Status)
	}
	return out
}

type testEnv struct {
	db        *gorm.DB
	snapshots *snapshot.Service
	runs      *Service
	worker    *fakeWorker
	sink      *recordingSink
}

// newTestDB creates an in-memory sqlite database.
func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

// testClock returns a deterministic clock advancing one second per call.
func testClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// newTestEnv wires a snapshot service and a run service over one database.
func newTestEnv(t *testing.T, fn func(ctx context.Context, req WorkerRequest) (*WorkerResponse, error)) *testEnv {
	db := newTestDB(t)
	clock := testClock()

	snapshots, err := snapshot.NewService(db, snapshot.DefaultSettings(), nil, nil, clock)
	require.NoError(t, err)

	worker := &fakeWorker{fn: fn}
	sink := &recordingSink{}
	runSvc, err := NewService(db, snapshots, worker, sink, DefaultSettings(), nil, clock)
	require.NoError(t, err)

	return &testEnv{db: db, snapshots: snapshots, runs: runSvc, worker: worker, sink: sink}
}

// newSnapshot creates a snapshot holding README.md, finalizing it when ready is set.
func (e *testEnv) newSnapshot(t *testing.T, ready bool) *snapshot.Snapshot {
	ctx := context.Background()
	content := []byte("# readme\n\n!!")
	encoded := base64.StdEncoding.EncodeToString(content)

	entry := snapshot.ManifestEntry{
		Path:      "README.md",
		BlobHash:  snapshot.HashContent(content),
		SizeBytes: int64(len(content)),
	}
	if ready {
		entry.ContentBase64 = &encoded
	}
	res, err := e.snapshots.Handshake(ctx, "owner-1", snapshot.HandshakeRequest{
		ProjectName: "Demo Repo",
		Manifest:    []snapshot.ManifestEntry{entry},
	})
	require.NoError(t, err)
	if !ready {
		return res.Snapshot
	}

	fin, err := e.snapshots.Finalize(ctx, res.Snapshot.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusReady, fin.Snapshot.Status)
	return fin.Snapshot
}

func okWorker(output string) func(context.Context, WorkerRequest) (*WorkerResponse, error) {
	return func(context.Context, WorkerRequest) (*WorkerResponse, error) {
		return &WorkerResponse{OK: true, Output: []byte(output)}, nil
	}
}
