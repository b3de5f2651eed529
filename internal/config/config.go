// Package config loads process configuration from the environment. Defaults
// are carried on struct tags and decoded with envdecode; CLI flags may
// override individual fields after loading.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joeshaw/envdecode"
)

type Config struct {
	// Host is the listen address for the HTTP front-ends. ENV: HOST
	Host string `env:"HOST,default=0.0.0.0"`
	// Port is the listen port. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// BaseURL is the externally visible origin used in discovery documents
	// and redirect URLs. Defaults to http://localhost:<port>. ENV: BASE_URL
	BaseURL string `env:"BASE_URL,default="`
	// LoginSecret is the shared secret checked at login. Empty disables the
	// check. ENV: LOGIN_SECRET
	LoginSecret string `env:"LOGIN_SECRET,default="`
	// WikiDir is the directory of markdown wiki pages. ENV: WIKI_DIR
	WikiDir string `env:"WIKI_DIR,default=wiki"`
	// LumaCalendarID is the Luma calendar the event tools read from.
	// ENV: LUMA_CALENDAR_ID
	LumaCalendarID string `env:"LUMA_CALENDAR_ID,default=cal-4dWxlBFjW9Cd6ou"`
	// LumaBaseURL overrides the Luma API origin, mainly for tests.
	// ENV: LUMA_BASE_URL
	LumaBaseURL string `env:"LUMA_BASE_URL,default=https://api2.luma.com"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config, applying defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &cfg, nil
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
