package patches

import (
	"time"

	gutils "github.com/Laisky/go-utils/v6"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StatusPending  = "PENDING"
	StatusApplied  = "APPLIED"
	StatusRejected = "REJECTED"
)

const (
	// FormatUnified is a unified diff against the base blob.
	FormatUnified = "unified"
	// FormatFull replaces the whole file content.
	FormatFull = "full"
)

// Patch is a proposed change to one file of a READY snapshot.
// IDs are UUIDv7, so ordering by id follows creation order.
type Patch struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SnapshotID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_patches_snapshot_idem,priority:1"`
	Path       string    `gorm:"type:varchar(1024);not null"`
	// BaseBlobHash is the content the patch was written against; empty for new files.
	BaseBlobHash   string  `gorm:"type:varchar(64);not null;default:''"`
	Format         string  `gorm:"type:varchar(16);not null"`
	Body           string  `gorm:"type:text;not null"`
	BodySHA256     string  `gorm:"column:body_sha256;type:char(64);not null"`
	Status         string  `gorm:"type:varchar(16);not null;index"`
	IdempotencyKey *string `gorm:"type:varchar(255);uniqueIndex:idx_patches_snapshot_idem,priority:2"`
	AppliedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName forces the gorm table name.
func (Patch) TableName() string {
	return "patches"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (p *Patch) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = gutils.UUID7Bytes()
	}
	return nil
}
