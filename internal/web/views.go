package web

import (
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"gorm.io/datatypes"
)

type projectView struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type snapshotView struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"projectId"`
	BaseSnapshotID  *uuid.UUID     `json:"baseSnapshotId,omitempty"`
	Source          string         `json:"provider"`
	RepoRoot        *string        `json:"repoRoot,omitempty"`
	ManifestHash    *string        `json:"manifestHash,omitempty"`
	ProtocolVersion *string        `json:"protocolVersion,omitempty"`
	IdempotencyKey  *string        `json:"idempotencyKey,omitempty"`
	Status          string         `json:"status"`
	FinalizedAt     *time.Time     `json:"finalizedAt,omitempty"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type fileView struct {
	Path        string     `json:"path"`
	BlobSHA256  string     `json:"blobHash"`
	SizeBytes   int64      `json:"sizeBytes"`
	ContentType *string    `json:"contentType,omitempty"`
	IsBinary    bool       `json:"isBinary"`
	Mode        *int       `json:"mode,omitempty"`
	Mtime       *time.Time `json:"mtime,omitempty"`
	OrderIndex  int        `json:"orderIndex"`
	IsDeleted   bool       `json:"isDeleted"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type blobView struct {
	SHA256    string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
	Backend   string `json:"backend"`
}

type runView struct {
	ID         uuid.UUID      `json:"id"`
	SnapshotID uuid.UUID      `json:"snapshotId"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Input      datatypes.JSON `json:"input,omitempty"`
	Output     datatypes.JSON `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty" copier:"ErrorMessage"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type patchView struct {
	ID             uuid.UUID  `json:"id"`
	SnapshotID     uuid.UUID  `json:"snapshotId"`
	Path           string     `json:"path"`
	BaseBlobHash   string     `json:"baseBlobHash"`
	Format         string     `json:"patchFormat"`
	Body           string     `json:"patchBody"`
	Status         string     `json:"status"`
	IdempotencyKey *string    `json:"idempotencyKey,omitempty"`
	AppliedAt      *time.Time `json:"appliedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// copyView fills a response view from a model, or a view slice from a model slice.
func copyView[T any](src any) (T, error) {
	var dst T
	if err := copier.Copy(&dst, src); err != nil {
		return dst, errors.Wrapf(err, "copy %T", src)
	}
	return dst, nil
}
