package patches

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
)

const readmeDiff = `--- a/README.md
+++ b/README.md
@@ -1,3 +1,3 @@
 # readme

-!
+!!
`

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

// newTestServices returns a patch ledger plus the snapshot service it reads from.
func newTestServices(t *testing.T, settings Settings) (*Service, *snapshot.Service) {
	db := newTestDB(t)
	clock := testClock()
	snapshots, err := snapshot.NewService(db, snapshot.DefaultSettings(), nil, nil, clock)
	require.NoError(t, err)
	svc, err := NewService(db, snapshots, settings, nil, clock)
	require.NoError(t, err)
	return svc, snapshots
}

// newSnapshot creates a snapshot holding README.md, finalized when ready is set.
func newSnapshot(t *testing.T, snapshots *snapshot.Service, ready bool) *snapshot.Snapshot {
	ctx := context.Background()
	content := []byte("# readme\n\n!\n")
	encoded := base64.StdEncoding.EncodeToString(content)
	entry := snapshot.ManifestEntry{
		Path:      "README.md",
		BlobHash:  snapshot.HashContent(content),
		SizeBytes: int64(len(content)),
	}
	if ready {
		entry.ContentBase64 = &encoded
	}

	res, err := snapshots.Handshake(ctx, "owner-1", snapshot.HandshakeRequest{
		ProjectName: "Demo Repo",
		Manifest:    []snapshot.ManifestEntry{entry},
	})
	require.NoError(t, err)
	if !ready {
		return res.Snapshot
	}
	fin, err := snapshots.Finalize(ctx, res.Snapshot.ID)
	require.NoError(t, err)
	return fin.Snapshot
}

func readmeParams(snapshotID uuid.UUID) CreateParams {
	return CreateParams{
		SnapshotID:   snapshotID,
		Path:         "README.md",
		BaseBlobHash: snapshot.HashContent([]byte("# readme\n\n!\n")),
		Format:       "unified",
		Body:         readmeDiff,
	}
}

// TestCreatePatch verifies a valid patch is stored as PENDING.
func TestCreatePatch(t *testing.T) {
	svc, snapshots := newTestServices(t, DefaultSettings())
	snap := newSnapshot(t, snapshots, true)

	patch, created, err := svc.CreatePatch(context.Background(), readmeParams(snap.ID))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusPending, patch.Status)
	require.Equal(t, FormatUnified, patch.Format)
	require.Equal(t, readmeDiff, patch.Body)
	require.Nil(t, patch.AppliedAt)

	got, err := svc.GetPatch(context.Background(), patch.ID)
	require.NoError(t, err)
	require.Equal(t, patch.ID, got.ID)
}

// TestCreatePatchBodyCeiling verifies oversized bodies are rejected before any lookup or write.
func TestCreatePatchBodyCeiling(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxBodyBytes = 16
	svc, _ := newTestServices(t, settings)

	params := readmeParams(uuid.New())
	_, _, err := svc.CreatePatch(context.Background(), params)
	require.True(t, apperr.IsCode(err, apperr.ErrCodePayloadTooLarge))
	typed, _ := apperr.AsError(err)
	require.Equal(t, 413, typed.HTTPStatus())

	var count int64
	require.NoError(t, svc.db.Model(&Patch{}).Count(&count).Error)
	require.Zero(t, count)
}

// TestCreatePatchValidation verifies path, hash, format and snapshot checks.
func TestCreatePatchValidation(t *testing.T) {
	svc, snapshots := newTestServices(t, DefaultSettings())
	ctx := context.Background()
	ready := newSnapshot(t, snapshots, true)
	uploading := newSnapshot(t, snapshots, false)

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		code   apperr.ErrorCode
	}{
		{name: "bad path", mutate: func(p *CreateParams) { p.Path = "../x" }, code: apperr.ErrCodeValidation},
		{name: "bad hash", mutate: func(p *CreateParams) { p.BaseBlobHash = "xyz" }, code: apperr.ErrCodeValidation},
		{name: "bad format", mutate: func(p *CreateParams) { p.Format = "git" }, code: apperr.ErrCodeValidation},
		{name: "not a diff", mutate: func(p *CreateParams) { p.Body = "hello" }, code: apperr.ErrCodeValidation},
		{name: "other file", mutate: func(p *CreateParams) { p.Path = "OTHER.md" }, code: apperr.ErrCodeValidation},
		{name: "missing snapshot", mutate: func(p *CreateParams) { p.SnapshotID = uuid.New() }, code: apperr.ErrCodeNotFound},
		{name: "uploading snapshot", mutate: func(p *CreateParams) { p.SnapshotID = uploading.ID }, code: apperr.ErrCodeStateConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := readmeParams(ready.ID)
			tc.mutate(&params)
			_, _, err := svc.CreatePatch(ctx, params)
			require.True(t, apperr.IsCode(err, tc.code), "got %v", err)
		})
	}

	full := readmeParams(ready.ID)
	full.Path = "NEW.md"
	full.BaseBlobHash = ""
	full.Format = "FULL"
	full.Body = "brand new file\n"
	patch, _, err := svc.CreatePatch(ctx, full)
	require.NoError(t, err)
	require.Equal(t, FormatFull, patch.Format)
	require.Empty(t, patch.BaseBlobHash)
}

// TestCreatePatchIdempotency verifies a replay returns the stored patch and a different body conflicts.
func TestCreatePatchIdempotency(t *testing.T) {
	svc, snapshots := newTestServices(t, DefaultSettings())
	ctx := context.Background()
	snap := newSnapshot(t, snapshots, true)

	params := readmeParams(snap.ID)
	key := "patch-key-1"
	params.IdempotencyKey = &key

	first, created, err := svc.CreatePatch(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.CreatePatch(ctx, params)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	params.Body = strings.Replace(readmeDiff, "+!!", "+!!!", 1)
	_, _, err = svc.CreatePatch(ctx, params)
	require.True(t, apperr.IsCode(err, apperr.ErrCodeIdempotencyConflict))
	typed, _ := apperr.AsError(err)
	require.Equal(t, first.ID.String(), typed.Details["patchId"])

	var count int64
	require.NoError(t, svc.db.Model(&Patch{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

// TestListPatchesCursor verifies status filtering and id cursor pagination.
func TestListPatchesCursor(t *testing.T) {
	svc, snapshots := newTestServices(t, DefaultSettings())
	ctx := context.Background()
	snap := newSnapshot(t, snapshots, true)

	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		patch, _, err := svc.CreatePatch(ctx, readmeParams(snap.ID))
		require.NoError(t, err)
		ids = append(ids, patch.ID)
	}
	_, err := svc.UpdateStatus(ctx, ids[1], "rejected")
	require.NoError(t, err)

	page, next, err := svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[0], page[0].ID)
	require.Equal(t, ids[1].String(), next)

	page, next, err = svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[2], ids[3]}, []uuid.UUID{page[0].ID, page[1].ID})
	require.NotEmpty(t, next)

	page, next, err = svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Empty(t, next)

	pending, _, err := svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 4)

	_, _, err = svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Status: "merged"})
	require.True(t, apperr.IsCode(err, apperr.ErrCodeValidation))
	_, _, err = svc.ListPatches(ctx, ListParams{SnapshotID: snap.ID, Cursor: "nope"})
	require.True(t, apperr.IsCode(err, apperr.ErrCodeValidation))
}

// TestUpdateStatus verifies PENDING moves once to a terminal status.
func TestUpdateStatus(t *testing.T) {
	svc, snapshots := newTestServices(t, DefaultSettings())
	ctx := context.Background()
	snap := newSnapshot(t, snapshots, true)

	patch, _, err := svc.CreatePatch(ctx, readmeParams(snap.ID))
	require.NoError(t, err)

	applied, err := svc.UpdateStatus(ctx, patch.ID, "APPLIED")
	require.NoError(t, err)
	require.Equal(t, StatusApplied, applied.Status)
	require.NotNil(t, applied.AppliedAt)

	again, err := svc.UpdateStatus(ctx, patch.ID, "applied")
	require.NoError(t, err)
	require.True(t, applied.AppliedAt.Equal(*again.AppliedAt))

	_, err = svc.UpdateStatus(ctx, patch.ID, "REJECTED")
	require.True(t, apperr.IsCode(err, apperr.ErrCodeStateConflict))

	_, err = svc.UpdateStatus(ctx, patch.ID, "PENDING")
	require.True(t, apperr.IsCode(err, apperr.ErrCodeValidation))

	_, err = svc.UpdateStatus(ctx, uuid.New(), "APPLIED")
	require.True(t, apperr.IsCode(err, apperr.ErrCodeNotFound))
}

func TestSettingsLimitFor(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, 50, s.limitFor(0))
	require.Equal(t, 10, s.limitFor(10))
	require.Equal(t, 200, s.limitFor(1000))
}
