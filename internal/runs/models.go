package runs

import (
	"time"

	gutils "github.com/Laisky/go-utils/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// TypeAudit reviews a snapshot and reports findings.
	TypeAudit = "audit"
	// TypeSuggest proposes changes, usually followed by patches.
	TypeSuggest = "suggest"
)

const (
	StatusQueued  = "QUEUED"
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// activeStatuses are the non-terminal states. At most one run per
// (snapshot, type) may be in one of them.
var activeStatuses = []string{StatusQueued, StatusRunning}

// Run is one execution of an analysis job against a READY snapshot.
type Run struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SnapshotID   uuid.UUID `gorm:"type:uuid;not null;index:idx_runs_snapshot_type,priority:1"`
	Type         string    `gorm:"type:varchar(32);not null;index:idx_runs_snapshot_type,priority:2"`
	Status       string    `gorm:"type:varchar(16);not null;index"`
	Input        datatypes.JSON
	Output       datatypes.JSON
	ErrorMessage *string `gorm:"column:error_message;type:text"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName forces the gorm table name.
func (Run) TableName() string {
	return "runs"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = gutils.UUID7Bytes()
	}
	return nil
}

// IsTerminal reports whether the run reached SUCCESS or FAILED.
func (r *Run) IsTerminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailed
}
