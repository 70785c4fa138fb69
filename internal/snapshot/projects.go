package snapshot

import (
	"context"
	"strings"
	"unicode"

	errors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

const maxSlugLength = 128

// ProjectRef identifies a project by id, by slug, or by display name.
// Exactly one of them is used, in that order of preference.
type ProjectRef struct {
	ID   string
	Slug string
	Name string
}

// ResolveProject finds the caller's project. A name reference creates the
// project on first use; id and slug references must already exist.
func (s *Service) ResolveProject(ctx context.Context, ownerID string, ref ProjectRef) (*Project, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperr.New(apperr.ErrCodeUnauthorized, "owner is required")
	}

	db := s.db.WithContext(ctx)
	var project Project
	switch {
	case strings.TrimSpace(ref.ID) != "":
		id, err := uuid.Parse(strings.TrimSpace(ref.ID))
		if err != nil {
			return nil, apperr.New(apperr.ErrCodeValidation, "projectId must be a uuid")
		}
		err = db.Where("id = ? AND owner_id = ?", id, ownerID).Take(&project).Error
		return projectOrNotFound(&project, err, ref.ID)
	case strings.TrimSpace(ref.Slug) != "":
		slug := strings.ToLower(strings.TrimSpace(ref.Slug))
		err := db.Where("owner_id = ? AND slug = ?", ownerID, slug).Take(&project).Error
		return projectOrNotFound(&project, err, slug)
	case strings.TrimSpace(ref.Name) != "":
		return s.findOrCreateProject(ctx, ownerID, strings.TrimSpace(ref.Name))
	default:
		return nil, apperr.New(apperr.ErrCodeValidation, "one of projectId, projectSlug or projectName is required")
	}
}

func (s *Service) findOrCreateProject(ctx context.Context, ownerID, name string) (*Project, error) {
	slug := Slugify(name)
	if slug == "" {
		return nil, apperr.Newf(apperr.ErrCodeValidation, "project name %q has no usable characters", name)
	}

	candidate := &Project{OwnerID: ownerID, Slug: slug, Name: name}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "slug"}},
		DoNothing: true,
	}).Create(candidate)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "create project")
	}
	if res.RowsAffected > 0 {
		s.log(ctx).Info("project created",
			zap.String("project_id", candidate.ID.String()),
			zap.String("owner_id", ownerID),
			zap.String("slug", slug),
		)
	}

	var project Project
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND slug = ?", ownerID, slug).
		Take(&project).Error; err != nil {
		return nil, errors.Wrap(err, "load project")
	}
	return &project, nil
}

func projectOrNotFound(project *Project, err error, ref string) (*Project, error) {
	if err == nil {
		return project, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "project %s not found", ref)
	}
	return nil, errors.Wrap(err, "load project")
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}

	slug := []rune(b.String())
	if len(slug) > maxSlugLength {
		return strings.TrimRight(string(slug[:maxSlugLength]), "-")
	}
	return string(slug)
}
