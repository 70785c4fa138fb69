package patches

import (
	gconfig "github.com/Laisky/go-config/v2"
)

// Settings bounds patch bodies and list pages.
type Settings struct {
	MaxBodyBytes     int
	ListLimitDefault int
	ListLimitMax     int
	MaxPathLength    int
}

// DefaultSettings returns the built-in patch limits.
func DefaultSettings() Settings {
	return Settings{
		MaxBodyBytes:     1 << 20,
		ListLimitDefault: 50,
		ListLimitMax:     200,
		MaxPathLength:    1024,
	}
}

// LoadSettingsFromConfig reads settings.patches.* and applies defaults.
func LoadSettingsFromConfig() Settings {
	return Settings{
		MaxBodyBytes:     gconfig.S.GetInt("settings.patches.max_body_bytes"),
		ListLimitDefault: gconfig.S.GetInt("settings.patches.list_limit_default"),
		ListLimitMax:     gconfig.S.GetInt("settings.patches.list_limit_max"),
		MaxPathLength:    gconfig.S.GetInt("settings.snapshots.max_path_length"),
	}.normalize()
}

func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = def.MaxBodyBytes
	}
	if s.ListLimitMax <= 0 {
		s.ListLimitMax = def.ListLimitMax
	}
	if s.ListLimitDefault <= 0 {
		s.ListLimitDefault = def.ListLimitDefault
	}
	if s.ListLimitDefault > s.ListLimitMax {
		s.ListLimitDefault = s.ListLimitMax
	}
	if s.MaxPathLength <= 0 {
		s.MaxPathLength = def.MaxPathLength
	}
	return s
}

// limitFor clamps a requested page size.
func (s Settings) limitFor(requested int) int {
	if requested <= 0 {
		return s.ListLimitDefault
	}
	return min(requested, s.ListLimitMax)
}
