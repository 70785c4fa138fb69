package runs

import (
	"strings"
	"time"

	gconfig "github.com/Laisky/go-config/v2"
)

// Settings controls the worker call and event publication.
type Settings struct {
	WorkerURL   string
	WorkerToken string
	// DefaultTimeout applies when the caller does not ask for one.
	DefaultTimeout time.Duration
	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout    time.Duration
	MaxInputBytes int
	EventQueue    string
}

// DefaultSettings returns the built-in run settings.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxInputBytes:  256 << 10,
		EventQueue:     "runs",
	}
}

// LoadSettingsFromConfig reads settings.runs.* and applies defaults.
func LoadSettingsFromConfig() Settings {
	def := DefaultSettings()
	settings := Settings{
		WorkerURL:      strings.TrimSpace(gconfig.S.GetString("settings.runs.worker_url")),
		WorkerToken:    strings.TrimSpace(gconfig.S.GetString("settings.runs.worker_token")),
		DefaultTimeout: time.Duration(gconfig.S.GetInt("settings.runs.default_timeout_ms")) * time.Millisecond,
		MaxTimeout:     time.Duration(gconfig.S.GetInt("settings.runs.max_timeout_ms")) * time.Millisecond,
		MaxInputBytes:  gconfig.S.GetInt("settings.runs.max_input_bytes"),
		EventQueue:     strings.TrimSpace(gconfig.S.GetString("settings.runs.event_queue")),
	}
	if settings.EventQueue == "" {
		settings.EventQueue = def.EventQueue
	}

	return settings.normalize()
}

func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = def.DefaultTimeout
	}
	if s.MaxTimeout <= 0 {
		s.MaxTimeout = def.MaxTimeout
	}
	if s.DefaultTimeout > s.MaxTimeout {
		s.DefaultTimeout = s.MaxTimeout
	}
	if s.MaxInputBytes <= 0 {
		s.MaxInputBytes = def.MaxInputBytes
	}
	return s
}

// timeoutFor clamps a caller-supplied timeout in milliseconds.
func (s Settings) timeoutFor(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return s.DefaultTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d > s.MaxTimeout {
		return s.MaxTimeout
	}
	return d
}
