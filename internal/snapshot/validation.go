package snapshot

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/go-playground/validator/v10"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

const maxContentTypeLength = 255

var manifestValidate = validator.New()

// ManifestEntry is the wire shape of one file in a manifest.
type ManifestEntry struct {
	Path          string     `json:"path" validate:"required"`
	BlobHash      string     `json:"blobHash" validate:"required"`
	SizeBytes     int64      `json:"sizeBytes" validate:"gte=0"`
	ContentBase64 *string    `json:"contentBase64,omitempty"`
	ContentType   *string    `json:"contentType,omitempty"`
	IsBinary      bool       `json:"isBinary,omitempty"`
	Mode          *int       `json:"mode,omitempty" validate:"omitempty,gte=0"`
	Mtime         *time.Time `json:"mtime,omitempty"`
	IsDeleted     bool       `json:"isDeleted,omitempty"`
	OrderIndex    *int       `json:"orderIndex,omitempty" validate:"omitempty,gte=0"`
}

// validateStruct runs tag validation and converts failures into a validation error.
func validateStruct(v any) error {
	if err := manifestValidate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return apperr.New(apperr.ErrCodeValidation, strings.Join(msgs, "; "))
		}
		return apperr.New(apperr.ErrCodeValidation, err.Error())
	}
	return nil
}

// NormalizeHash lowercases a hex SHA-256 digest and rejects anything else.
func NormalizeHash(raw string) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(raw))
	if len(hash) != 64 {
		return "", apperr.Newf(apperr.ErrCodeValidation, "blob hash must be 64 hex characters, got %d", len(hash))
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", apperr.New(apperr.ErrCodeValidation, "blob hash must be hex encoded")
		}
	}
	return hash, nil
}

// NormalizePath validates a repository-relative, slash-separated path.
func NormalizePath(raw string, maxLength int) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", apperr.New(apperr.ErrCodeValidation, "path is required")
	}
	if maxLength > 0 && len(p) > maxLength {
		return "", apperr.Newf(apperr.ErrCodeValidation, "path exceeds %d bytes", maxLength)
	}
	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return "", apperr.New(apperr.ErrCodeValidation, "path contains invalid characters")
	}
	if strings.HasPrefix(p, "/") {
		return "", apperr.New(apperr.ErrCodeValidation, "path must be relative to the repository root")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return "", apperr.Newf(apperr.ErrCodeValidation, "path %q is not normalized", p)
		}
	}
	if path.Clean(p) != p {
		return "", apperr.Newf(apperr.ErrCodeValidation, "path %q is not normalized", p)
	}
	return p, nil
}

// normalizeContentType accepts an optional RFC 2045 media type.
func normalizeContentType(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	ct := strings.TrimSpace(*raw)
	if ct == "" {
		return nil, nil
	}
	if len(ct) > maxContentTypeLength {
		return nil, apperr.New(apperr.ErrCodeValidation, "content type too long")
	}
	if _, _, err := mime.ParseMediaType(ct); err != nil {
		return nil, apperr.Newf(apperr.ErrCodeValidation, "invalid content type %q", ct)
	}
	return &ct, nil
}

// decodeContent returns the decoded bytes and whether content was supplied at all.
func decodeContent(entry ManifestEntry) ([]byte, bool, error) {
	if entry.ContentBase64 == nil {
		return nil, false, nil
	}
	content, err := base64.StdEncoding.DecodeString(*entry.ContentBase64)
	if err != nil {
		return nil, true, apperr.New(apperr.ErrCodeValidation, "contentBase64 is not valid base64")
	}
	return content, true, nil
}

// normalizedEntry is a validated manifest entry.
type normalizedEntry struct {
	ManifestEntry
	content     []byte
	hasContent  bool
	contentType *string
	orderIndex  int
}

// normalizeEntry checks the declared hash, path, size and content type against policy.
func (s *Service) normalizeEntry(entry ManifestEntry, idx int) (*normalizedEntry, error) {
	if err := validateStruct(entry); err != nil {
		return nil, err
	}

	p, err := NormalizePath(entry.Path, s.settings.MaxPathLength)
	if err != nil {
		return nil, err
	}
	hash, err := NormalizeHash(entry.BlobHash)
	if err != nil {
		return nil, err
	}
	if entry.SizeBytes > s.settings.MaxFileBytes {
		return nil, apperr.Newf(apperr.ErrCodePayloadTooLarge,
			"file %q is %d bytes, limit is %d", p, entry.SizeBytes, s.settings.MaxFileBytes).
			WithDetails(map[string]any{"path": p, "sizeBytes": entry.SizeBytes, "maxFileBytes": s.settings.MaxFileBytes})
	}
	ct, err := normalizeContentType(entry.ContentType)
	if err != nil {
		return nil, err
	}

	out := &normalizedEntry{
		ManifestEntry: entry,
		contentType:   ct,
		orderIndex:    idx,
	}
	out.Path = p
	out.BlobHash = hash
	if entry.OrderIndex != nil {
		out.orderIndex = *entry.OrderIndex
	}

	return out, nil
}
