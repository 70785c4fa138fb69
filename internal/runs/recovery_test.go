package runs

import (
	"context"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// failUpdatesTo makes every gorm update that sets status to the returned
// pointer's value fail. An empty value disables the failure.
func failUpdatesTo(t *testing.T, db *gorm.DB) *string {
	target := new(string)
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_status", func(tx *gorm.DB) {
		if *target == "" {
			return
		}
		if updates, ok := tx.Statement.Dest.(map[string]any); ok && updates["status"] == *target {
			tx.AddError(errors.Errorf("injected failure writing %s", *target))
		}
	})
	require.NoError(t, err)
	return target
}

func runsOf(t *testing.T, db *gorm.DB) []Run {
	var rows []Run
	require.NoError(t, db.Order("created_at ASC").Find(&rows).Error)
	return rows
}

// TestFailStaleKeepsInFlightRuns verifies a startup sweep on another instance
// leaves a run whose worker call is still in flight untouched.
func TestFailStaleKeepsInFlightRuns(t *testing.T) {
	var (
		env   *testEnv
		swept int64
	)
	env = newTestEnv(t, func(ctx context.Context, _ WorkerRequest) (*WorkerResponse, error) {
		n, err := env.runs.FailStale(ctx)
		if err != nil {
			return nil, err
		}
		swept = n
		return &WorkerResponse{OK: true, Output: []byte(`{"findings":[]}`)}, nil
	})
	ctx := context.Background()
	snapID := env.newSnapshot(t, true).ID

	run, created, err := env.runs.CreateRun(ctx, CreateParams{SnapshotID: snapID, Type: TypeAudit})
	require.NoError(t, err)
	require.True(t, created)
	require.Zero(t, swept)
	require.Equal(t, StatusSuccess, run.Status)
	require.JSONEq(t, `{"findings":[]}`, string(run.Output))
}

// TestFailStaleFailsOldRuns verifies runs older than the longest worker call are failed.
func TestFailStaleFailsOldRuns(t *testing.T) {
	env := newTestEnv(t, okWorker(`{}`))
	ctx := context.Background()
	snapID := env.newSnapshot(t, true).ID

	stale := &Run{SnapshotID: snapID, Type: TypeSuggest, Status: StatusQueued, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, env.db.Create(stale).Error)

	n, err := env.runs.FailStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := env.runs.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
}

// TestCreateRunStartFailureReleasesType verifies a run that cannot be moved to
// RUNNING is failed instead of blocking later runs of its type.
func TestCreateRunStartFailureReleasesType(t *testing.T) {
	env := newTestEnv(t, okWorker(`{"ok":true}`))
	ctx := context.Background()
	snapID := env.newSnapshot(t, true).ID
	failStatus := failUpdatesTo(t, env.db)

	*failStatus = StatusRunning
	run, created, err := env.runs.CreateRun(ctx, CreateParams{SnapshotID: snapID, Type: TypeAudit})
	require.Error(t, err)
	require.Nil(t, run)
	require.True(t, created)
	require.Zero(t, env.worker.callCount())

	rows := runsOf(t, env.db)
	require.Len(t, rows, 1)
	require.Equal(t, StatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	require.Equal(t, "run could not be started", *rows[0].ErrorMessage)
	require.NotNil(t, rows[0].FinishedAt)

	*failStatus = ""
	run, created, err = env.runs.CreateRun(ctx, CreateParams{SnapshotID: snapID, Type: TypeAudit})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusSuccess, run.Status)
	require.NotEqual(t, rows[0].ID, run.ID)
}

// TestCreateRunFinishFailureReleasesType verifies a run whose result cannot be
// written is failed instead of staying RUNNING forever.
func TestCreateRunFinishFailureReleasesType(t *testing.T) {
	env := newTestEnv(t, okWorker(`{"ok":true}`))
	ctx := context.Background()
	snapID := env.newSnapshot(t, true).ID
	failStatus := failUpdatesTo(t, env.db)

	*failStatus = StatusSuccess
	_, created, err := env.runs.CreateRun(ctx, CreateParams{SnapshotID: snapID, Type: TypeSuggest})
	require.Error(t, err)
	require.True(t, created)
	require.Equal(t, 1, env.worker.callCount())

	rows := runsOf(t, env.db)
	require.Len(t, rows, 1)
	require.Equal(t, StatusFailed, rows[0].Status)
	require.Equal(t, "run result could not be recorded", *rows[0].ErrorMessage)

	*failStatus = ""
	run, created, err := env.runs.CreateRun(ctx, CreateParams{SnapshotID: snapID, Type: TypeSuggest})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusSuccess, run.Status)
	require.Equal(t, 2, env.worker.callCount())
}
