package snapshot

import (
	"fmt"
	"strings"

	gconfig "github.com/Laisky/go-config/v2"
)

// Settings captures upload budgets and listing limits.
type Settings struct {
	MaxFileBytes     int64
	MaxSnapshotBytes int64
	MaxFiles         int
	MaxPathLength    int
	MaxMetadataBytes int
	// InlineMaxBytes is the largest blob stored in the database row; larger blobs go to the object store.
	InlineMaxBytes   int64
	ListLimitDefault int
	ListLimitMax     int
}

// DefaultSettings returns the built-in limits.
func DefaultSettings() Settings {
	return Settings{
		MaxFileBytes:     5 << 20,
		MaxSnapshotBytes: 200 << 20,
		MaxFiles:         20_000,
		MaxPathLength:    1024,
		MaxMetadataBytes: 64 << 10,
		InlineMaxBytes:   1 << 20,
		ListLimitDefault: 200,
		ListLimitMax:     1000,
	}
}

// LoadSettingsFromConfig reads configuration and applies safe defaults.
func LoadSettingsFromConfig() Settings {
	def := DefaultSettings()
	settings := Settings{
		MaxFileBytes:     int64FromConfig("settings.snapshots.max_file_bytes", def.MaxFileBytes),
		MaxSnapshotBytes: int64FromConfig("settings.snapshots.max_snapshot_bytes", def.MaxSnapshotBytes),
		MaxFiles:         intFromConfig("settings.snapshots.max_files", def.MaxFiles),
		MaxPathLength:    intFromConfig("settings.snapshots.max_path_length", def.MaxPathLength),
		MaxMetadataBytes: intFromConfig("settings.snapshots.max_metadata_bytes", def.MaxMetadataBytes),
		InlineMaxBytes:   int64FromConfig("settings.snapshots.inline_max_bytes", def.InlineMaxBytes),
		ListLimitDefault: intFromConfig("settings.snapshots.list_limit_default", def.ListLimitDefault),
		ListLimitMax:     intFromConfig("settings.snapshots.list_limit_max", def.ListLimitMax),
	}

	return settings.normalize()
}

func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.MaxFileBytes <= 0 {
		s.MaxFileBytes = def.MaxFileBytes
	}
	if s.MaxSnapshotBytes <= 0 {
		s.MaxSnapshotBytes = def.MaxSnapshotBytes
	}
	if s.MaxFiles <= 0 {
		s.MaxFiles = def.MaxFiles
	}
	if s.MaxPathLength <= 0 {
		s.MaxPathLength = def.MaxPathLength
	}
	if s.MaxMetadataBytes <= 0 {
		s.MaxMetadataBytes = def.MaxMetadataBytes
	}
	if s.InlineMaxBytes < 0 {
		s.InlineMaxBytes = def.InlineMaxBytes
	}
	if s.ListLimitDefault <= 0 {
		s.ListLimitDefault = def.ListLimitDefault
	}
	if s.ListLimitMax <= 0 {
		s.ListLimitMax = def.ListLimitMax
	}
	if s.ListLimitDefault > s.ListLimitMax {
		s.ListLimitDefault = s.ListLimitMax
	}
	return s
}

// intFromConfig reads an int configuration value with a default fallback.
func intFromConfig(key string, def int) int {
	return int(int64FromConfig(key, int64(def)))
}

// int64FromConfig reads an int64 configuration value with a default fallback.
func int64FromConfig(key string, def int64) int64 {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return def
		}
		var parsed int64
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}
