package web

import (
	"strings"
	"time"

	gconfig "github.com/Laisky/go-config/v2"
)

// Settings controls the HTTP surface.
type Settings struct {
	// AllowedOrigins are CORS host names; an entry also admits its subdomains.
	AllowedOrigins []string
	// IPLimit and UserLimit are requests per Window on mutating routes.
	IPLimit   int
	UserLimit int
	Window    time.Duration
	// MaxRequestBytes bounds JSON request bodies other than blob uploads.
	MaxRequestBytes int64
}

// DefaultSettings returns the built-in HTTP settings.
func DefaultSettings() Settings {
	return Settings{
		IPLimit:         120,
		UserLimit:       600,
		Window:          time.Minute,
		MaxRequestBytes: 32 << 20,
	}
}

// LoadSettingsFromConfig reads settings.web.* and settings.ratelimit.*.
func LoadSettingsFromConfig() Settings {
	settings := Settings{
		AllowedOrigins:  gconfig.S.GetStringSlice("settings.web.allowed_origins"),
		IPLimit:         gconfig.S.GetInt("settings.ratelimit.ip_limit"),
		UserLimit:       gconfig.S.GetInt("settings.ratelimit.user_limit"),
		Window:          time.Duration(gconfig.S.GetInt("settings.ratelimit.window_seconds")) * time.Second,
		MaxRequestBytes: int64(gconfig.S.GetInt("settings.web.max_request_bytes")),
	}
	return settings.normalize()
}

func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.IPLimit <= 0 {
		s.IPLimit = def.IPLimit
	}
	if s.UserLimit <= 0 {
		s.UserLimit = def.UserLimit
	}
	if s.Window <= 0 {
		s.Window = def.Window
	}
	if s.MaxRequestBytes <= 0 {
		s.MaxRequestBytes = def.MaxRequestBytes
	}

	origins := make([]string, 0, len(s.AllowedOrigins))
	for _, o := range s.AllowedOrigins {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			origins = append(origins, o)
		}
	}
	s.AllowedOrigins = origins
	return s
}
