package snapshot

import (
	"time"

	gutils "github.com/Laisky/go-utils/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// StatusUploading accepts file and blob writes.
	StatusUploading = "UPLOADING"
	// StatusReady is frozen; runs and patches may reference it.
	StatusReady = "READY"
)

const (
	// BackendNone marks a metadata-only placeholder whose bytes have not arrived.
	BackendNone = ""
	// BackendInline stores bytes in the blob row.
	BackendInline = "INLINE"
	// BackendObject stores bytes in the object store under StorageKey.
	BackendObject = "OBJECT"
)

// Project groups the snapshots uploaded by one owner for one repository.
type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID   string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_projects_owner_slug,priority:1"`
	Slug      string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_projects_owner_slug,priority:2"`
	Name      string    `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName forces the gorm table name.
func (Project) TableName() string {
	return "projects"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = gutils.UUID7Bytes()
	}
	return nil
}

// Blob is a content-addressed unit of file bytes shared across snapshots and projects.
type Blob struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SHA256     string    `gorm:"column:sha256;type:char(64);not null;uniqueIndex"`
	SizeBytes  int64     `gorm:"not null"`
	Backend    string    `gorm:"type:varchar(16);not null"`
	Content    []byte
	StorageKey *string `gorm:"type:varchar(512)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName forces the gorm table name.
func (Blob) TableName() string {
	return "blobs"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (b *Blob) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = gutils.UUID7Bytes()
	}
	return nil
}

// HasBytes reports whether the blob content has been written.
func (b *Blob) HasBytes() bool {
	return b.Backend != BackendNone
}

// Snapshot is one point-in-time capture of a project's file tree.
type Snapshot struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProjectID       uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_snapshots_project_idem,priority:1"`
	BaseSnapshotID  *uuid.UUID `gorm:"type:uuid"`
	Source          string     `gorm:"type:varchar(64);not null"`
	RepoRoot        *string    `gorm:"type:varchar(1024)"`
	ManifestHash    *string    `gorm:"type:varchar(128)"`
	ProtocolVersion *string    `gorm:"type:varchar(32)"`
	IdempotencyKey  *string    `gorm:"type:varchar(255);uniqueIndex:idx_snapshots_project_idem,priority:2"`
	Status          string     `gorm:"type:varchar(16);not null;index"`
	FinalizedAt     *time.Time
	Metadata        datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName forces the gorm table name.
func (Snapshot) TableName() string {
	return "snapshots"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = gutils.UUID7Bytes()
	}
	return nil
}

// SnapshotFile is one manifest entry of a snapshot. Soft-deleted entries are tombstones.
type SnapshotFile struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SnapshotID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_snapshot_files_path,priority:1"`
	Path        string    `gorm:"type:varchar(1024);not null;uniqueIndex:idx_snapshot_files_path,priority:2"`
	BlobID      uuid.UUID `gorm:"type:uuid;not null;index"`
	BlobSHA256  string    `gorm:"column:blob_sha256;type:char(64);not null"`
	SizeBytes   int64     `gorm:"not null"`
	ContentType *string   `gorm:"type:varchar(255)"`
	IsBinary    bool      `gorm:"not null"`
	Mode        *int
	Mtime       *time.Time
	OrderIndex  int  `gorm:"not null"`
	IsDeleted   bool `gorm:"not null;index"`
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName forces the gorm table name.
func (SnapshotFile) TableName() string {
	return "snapshot_files"
}

// BeforeCreate fills the ID with a UUIDv7 value when missing.
func (f *SnapshotFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = gutils.UUID7Bytes()
	}
	return nil
}
