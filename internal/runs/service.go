// Package runs orchestrates analysis runs against READY snapshots.
package runs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Laisky/repo-snapshot/internal/apperr"
	"github.com/Laisky/repo-snapshot/internal/snapshot"
	"github.com/Laisky/repo-snapshot/library/db/postgres"
	"github.com/Laisky/repo-snapshot/library/log"
)

// Clock returns the current UTC time.
type Clock func() time.Time

// SnapshotReader loads snapshots for the READY gate.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, snapshotID uuid.UUID) (*snapshot.Snapshot, error)
}

// CreateParams describes a run request.
type CreateParams struct {
	SnapshotID uuid.UUID
	Type       string
	Input      json.RawMessage
	// TimeoutMs bounds the worker call; zero uses the default.
	TimeoutMs int
}

// Service drives the QUEUED -> RUNNING -> SUCCESS|FAILED state machine.
type Service struct {
	db        *gorm.DB
	snapshots SnapshotReader
	worker    Worker
	events    EventSink
	settings  Settings
	logger    logSDK.Logger
	clock     Clock
}

// NewService constructs a run service and migrates its table.
// worker may be nil, in which case CreateRun reports UNAVAILABLE.
func NewService(db *gorm.DB,
	snapshots SnapshotReader,
	worker Worker,
	events EventSink,
	settings Settings,
	logger logSDK.Logger,
	clock Clock,
) (*Service, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot reader is required")
	}
	if logger == nil {
		logger = log.Logger.Named("run_service")
	}
	if events == nil {
		events = NewLogSink(logger)
	}
	if clock == nil {
		clock = func() time.Time {
			return time.Now().UTC()
		}
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		return nil, errors.WithStack(err)
	}

	return &Service{
		db:        db,
		snapshots: snapshots,
		worker:    worker,
		events:    events,
		settings:  settings.normalize(),
		logger:    logger,
		clock:     clock,
	}, nil
}

// NormalizeType lowercases a run type and rejects unknown ones.
func NormalizeType(raw string) (string, error) {
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case TypeAudit, TypeSuggest:
		return t, nil
	default:
		return "", apperr.Newf(apperr.ErrCodeValidation, "run type must be %q or %q", TypeAudit, TypeSuggest)
	}
}

// CreateRun starts a run, or returns the active run of the same type without
// calling the worker again. created is false for such a replay.
//
// When the worker fails the run is persisted as FAILED and returned together
// with an upstream error.
func (s *Service) CreateRun(ctx context.Context, p CreateParams) (run *Run, created bool, err error) {
	runType, err := NormalizeType(p.Type)
	if err != nil {
		return nil, false, err
	}
	if p.TimeoutMs < 0 {
		return nil, false, apperr.New(apperr.ErrCodeValidation, "timeoutMs must not be negative")
	}
	if len(p.Input) > s.settings.MaxInputBytes {
		return nil, false, apperr.Newf(apperr.ErrCodePayloadTooLarge,
			"run input is %d bytes, limit is %d", len(p.Input), s.settings.MaxInputBytes)
	}
	if len(p.Input) > 0 && !json.Valid(p.Input) {
		return nil, false, apperr.New(apperr.ErrCodeValidation, "run input must be valid JSON")
	}

	snap, err := s.snapshots.GetSnapshot(ctx, p.SnapshotID)
	if err != nil {
		return nil, false, err
	}
	if err = snapshot.RequireReady(snap); err != nil {
		return nil, false, err
	}

	if active, err := s.findActive(ctx, p.SnapshotID, runType); err != nil {
		return nil, false, err
	} else if active != nil {
		runsDeduplicated.WithLabelValues(runType).Inc()
		return active, false, nil
	}

	if s.worker == nil {
		return nil, false, apperr.New(apperr.ErrCodeUnavailable, "no analysis worker is configured")
	}

	run = &Run{
		SnapshotID: p.SnapshotID,
		Type:       runType,
		Status:     StatusQueued,
		Input:      datatypes.JSON(p.Input),
		CreatedAt:  s.clock(),
	}
	if err = s.db.WithContext(ctx).Create(run).Error; err != nil {
		if !postgres.IsUniqueViolation(err) {
			return nil, false, errors.Wrap(err, "insert run")
		}

		// lost the race against a concurrent create of the same type
		active, findErr := s.findActive(ctx, p.SnapshotID, runType)
		if findErr != nil {
			return nil, false, findErr
		}
		if active == nil {
			return nil, false, apperr.New(apperr.ErrCodeStateConflict, "a concurrent run just finished, retry").
				WithDetails(map[string]any{"snapshotId": p.SnapshotID.String(), "type": runType})
		}
		runsDeduplicated.WithLabelValues(runType).Inc()
		return active, false, nil
	}
	s.emit(ctx, run)

	// the run row outlives the request, so state changes must not be cut short by it
	persistCtx := context.WithoutCancel(ctx)

	startedAt := s.clock()
	if err = s.transition(persistCtx, run, StatusQueued, map[string]any{
		"status":     StatusRunning,
		"started_at": startedAt,
	}); err != nil {
		s.abortRun(persistCtx, run, "run could not be started")
		return nil, true, err
	}
	s.emit(ctx, run)

	resp, callErr := s.callWorker(ctx, run, p.TimeoutMs)

	updates := map[string]any{"finished_at": s.clock()}
	var runErr *apperr.Error
	switch {
	case callErr != nil:
		runErr = callErr
	case resp == nil:
		runErr = apperr.New(apperr.ErrCodeUpstreamFailure, "worker returned an empty response")
	case !resp.OK:
		msg := "worker reported failure"
		if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
			msg = resp.Error.Message
		}
		runErr = apperr.New(apperr.ErrCodeWorkerFailed, msg)
	}

	if runErr == nil {
		updates["status"] = StatusSuccess
		updates["output"] = datatypes.JSON(resp.Output)
	} else {
		updates["status"] = StatusFailed
		updates["error_message"] = runErr.Message
	}
	if err = s.transition(persistCtx, run, StatusRunning, updates); err != nil {
		s.abortRun(persistCtx, run, "run result could not be recorded")
		return nil, true, err
	}
	s.emit(ctx, run)
	runsTotal.WithLabelValues(run.Type, run.Status).Inc()

	if runErr != nil {
		s.log(ctx).Warn("run failed",
			zap.String("run_id", run.ID.String()),
			zap.String("snapshot_id", run.SnapshotID.String()),
			zap.String("type", run.Type),
			zap.String("code", string(runErr.Code)),
			zap.String("error", runErr.Message),
		)
		return run, true, runErr.WithDetails(map[string]any{"runId": run.ID.String()})
	}

	s.log(ctx).Info("run succeeded",
		zap.String("run_id", run.ID.String()),
		zap.String("snapshot_id", run.SnapshotID.String()),
		zap.String("type", run.Type),
	)
	return run, true, nil
}

// callWorker invokes the worker under the clamped timeout and maps transport
// problems to upstream errors. A worker-reported failure is returned as resp.
func (s *Service) callWorker(ctx context.Context, run *Run, timeoutMs int) (*WorkerResponse, *apperr.Error) {
	timeout := s.settings.timeoutFor(timeoutMs)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	begin := time.Now()
	resp, err := s.worker.Run(callCtx, WorkerRequest{
		RunID:      run.ID.String(),
		SnapshotID: run.SnapshotID.String(),
		Type:       run.Type,
		Input:      json.RawMessage(run.Input),
	})
	workerDuration.WithLabelValues(run.Type).Observe(time.Since(begin).Seconds())
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, apperr.Newf(apperr.ErrCodeUpstreamTimeout, "worker did not answer within %s", timeout)
	}
	s.log(ctx).Warn("worker call failed", zap.String("run_id", run.ID.String()), zap.Error(err))
	return nil, apperr.Newf(apperr.ErrCodeUpstreamFailure, "worker call failed: %s", err.Error())
}

// transition moves run out of from, applying updates, and reloads it.
func (s *Service) transition(ctx context.Context, run *Run, from string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", run.ID, from).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update run %s", run.ID)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.ErrCodeStateConflict, "run %s is no longer %s", run.ID, from).
			WithDetails(map[string]any{"runId": run.ID.String(), "expectedStatus": from})
	}

	if err := s.db.WithContext(ctx).Where("id = ?", run.ID).Take(run).Error; err != nil {
		return errors.Wrap(err, "reload run")
	}
	return nil
}

// abortRun fails a run that is still active after a transition error, so it
// does not block later runs of its type. Errors are only logged.
func (s *Service) abortRun(ctx context.Context, run *Run, msg string) {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", run.ID, activeStatuses).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": msg,
			"finished_at":   s.clock(),
		})
	if res.Error != nil {
		s.log(ctx).Warn("abort run",
			zap.String("run_id", run.ID.String()),
			zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		runsTotal.WithLabelValues(run.Type, StatusFailed).Inc()
		s.log(ctx).Warn("run aborted",
			zap.String("run_id", run.ID.String()),
			zap.String("reason", msg))
	}
}

func (s *Service) findActive(ctx context.Context, snapshotID uuid.UUID, runType string) (*Run, error) {
	var rows []Run
	if err := s.db.WithContext(ctx).
		Where("snapshot_id = ? AND type = ? AND status IN ?", snapshotID, runType, activeStatuses).
		Order("created_at ASC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "find active run")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetRun loads one run.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("id = ?", runID).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.ErrCodeNotFound, "run %s not found", runID)
		}
		return nil, errors.Wrap(err, "load run")
	}
	return &run, nil
}

// ListRuns returns the runs of a snapshot, newest first, optionally filtered by type.
func (s *Service) ListRuns(ctx context.Context, snapshotID uuid.UUID, runType string) ([]Run, error) {
	q := s.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID)
	if strings.TrimSpace(runType) != "" {
		t, err := NormalizeType(runType)
		if err != nil {
			return nil, err
		}
		q = q.Where("type = ?", t)
	}

	runs := make([]Run, 0)
	if err := q.Order("created_at DESC").Order("id DESC").Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// abandonGrace is added to the longest worker timeout before an active run
// counts as abandoned.
const abandonGrace = time.Minute

// FailStale fails active runs older than the longest possible worker call.
// Runs still in flight on another instance are never that old.
func (s *Service) FailStale(ctx context.Context) (int64, error) {
	return s.FailAbandoned(ctx, s.clock().Add(-(s.settings.MaxTimeout + abandonGrace)))
}

// FailAbandoned marks runs stuck in QUEUED or RUNNING since before cutoff as
// FAILED.
func (s *Service) FailAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	msg := "run abandoned before completion"
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("status IN ? AND created_at < ?", activeStatuses, cutoff).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": msg,
			"finished_at":   s.clock(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "fail abandoned runs")
	}
	if res.RowsAffected > 0 {
		s.logger.Info("abandoned runs failed",
			zap.Int64("count", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}

// Settings returns the effective run settings.
func (s *Service) Settings() Settings {
	return s.settings
}

func (s *Service) emit(ctx context.Context, run *Run) {
	evt := Event{
		RunID:      run.ID.String(),
		SnapshotID: run.SnapshotID.String(),
		Type:       run.Type,
		Status:     run.Status,
		At:         s.clock(),
	}
	if run.ErrorMessage != nil {
		evt.Error = *run.ErrorMessage
	}
	s.events.Emit(ctx, evt)
}

func (s *Service) log(ctx context.Context) logSDK.Logger {
	return log.FromContext(ctx, s.logger)
}
