package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// memoryObjectStore keeps objects in memory for tests.
type memoryObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{data: make(map[string][]byte)}
}

// Put stores a copy of content.
func (s *memoryObjectStore) Put(_ context.Context, key string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(content)
	s.puts++
	return nil
}

// Get returns the stored content.
func (s *memoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return bytes.Clone(content), nil
}

// newTestDB creates an in-memory sqlite database.
func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UTC().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

// testClock returns a deterministic clock advancing one second per call.
func testClock() Clock {
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

// newTestService constructs a service with deterministic dependencies.
func newTestService(t *testing.T, settings Settings, objects ObjectStore) *Service {
	svc, err := NewService(newTestDB(t), settings, objects, nil, testClock())
	require.NoError(t, err)
	return svc
}

// newTestProject creates a project owned by owner-1.
func newTestProject(t *testing.T, svc *Service) *Project {
	project, err := svc.ResolveProject(context.Background(), "owner-1", ProjectRef{Name: "Demo Repo"})
	require.NoError(t, err)
	return project
}

// newUploadingSnapshot creates an UPLOADING snapshot in a fresh project.
func newUploadingSnapshot(t *testing.T, svc *Service) *Snapshot {
	project := newTestProject(t, svc)
	snap, created, err := svc.CreateSnapshot(context.Background(), CreateParams{ProjectID: project.ID})
	require.NoError(t, err)
	require.True(t, created)
	return snap
}

// fileEntry builds a live manifest entry carrying content.
func fileEntry(path string, content []byte) ManifestEntry {
	encoded := base64.StdEncoding.EncodeToString(content)
	return ManifestEntry{
		Path:          path,
		BlobHash:      HashContent(content),
		SizeBytes:     int64(len(content)),
		ContentBase64: &encoded,
	}
}

// metadataEntry builds a live manifest entry without content.
func metadataEntry(path string, content []byte) ManifestEntry {
	return ManifestEntry{
		Path:      path,
		BlobHash:  HashContent(content),
		SizeBytes: int64(len(content)),
	}
}

func countRows(t *testing.T, svc *Service, model any) int64 {
	var n int64
	require.NoError(t, svc.db.Model(model).Count(&n).Error)
	return n
}

func strPtr(v string) *string {
	return &v
}
