package patches

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/Laisky/repo-snapshot/internal/apperr"
)

// NormalizeFormat lowercases a patch format and rejects unknown ones.
func NormalizeFormat(raw string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(raw)); f {
	case FormatUnified, FormatFull:
		return f, nil
	case "":
		return "", apperr.New(apperr.ErrCodeValidation, "patchFormat is required")
	default:
		return "", apperr.Newf(apperr.ErrCodeValidation, "patchFormat must be %q or %q", FormatUnified, FormatFull)
	}
}

// validateUnified checks body is a unified diff with at least one hunk
// touching only path.
func validateUnified(path, body string) error {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(body)).ReadAllFiles()
	if err != nil {
		return apperr.Newf(apperr.ErrCodeValidation, "patchBody is not a unified diff: %s", err.Error())
	}
	if len(fileDiffs) == 0 {
		return apperr.New(apperr.ErrCodeValidation, "patchBody contains no file diff")
	}

	hunks := 0
	for _, fd := range fileDiffs {
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if name == "" || name == "/dev/null" {
				continue
			}
			if !diffNameMatches(name, path) {
				return apperr.Newf(apperr.ErrCodeValidation, "patchBody touches %q, expected %q", diffFileName(name), path)
			}
		}
		hunks += len(fd.Hunks)
	}
	if hunks == 0 {
		return apperr.New(apperr.ErrCodeValidation, "patchBody contains no hunk")
	}
	return nil
}

// diffFileName drops the tab-separated timestamp some tools append.
func diffFileName(name string) string {
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		return name[:i]
	}
	return name
}

// diffNameMatches reports whether a diff header names path, either verbatim
// or behind the a/ or b/ prefix git adds.
func diffNameMatches(name, path string) bool {
	name = diffFileName(name)
	if name == path {
		return true
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) && name[len(prefix):] == path {
			return true
		}
	}
	return false
}
