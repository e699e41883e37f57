package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	dark "github.com/thiagokokada/dark-mode-go"
)

// UserConfig is the user-facing configuration in TOML format.
type UserConfig struct {
	// DefaultProfile is the profile to use when none is specified.
	DefaultProfile string `toml:"default_profile"`

	// Theme sets the color scheme: "dark" (default), "light", or "system".
	Theme string `toml:"theme"`

	// Daemon configures how the console reaches the session daemon.
	Daemon DaemonSettings `toml:"daemon"`

	// Prefetch configures the background snapshot warmer.
	Prefetch PrefetchSettings `toml:"prefetch"`

	// Web configures the local status API and push notifications.
	Web WebSettings `toml:"web"`

	// Logs configures the console's own log file.
	Logs LogSettings `toml:"logs"`

	// Cache configures the local snapshot cache.
	Cache CacheSettings `toml:"cache"`
}

// DaemonSettings locates the session daemon.
type DaemonSettings struct {
	// BaseURL is the daemon's HTTP endpoint.
	// Default: http://127.0.0.1:8377
	BaseURL string `toml:"base_url"`

	// Token is sent as a bearer token on every daemon request, if set.
	Token string `toml:"token"`

	// DropDir is a directory the daemon drops event files into for
	// same-host notification without a socket. Empty disables the watcher.
	// Paths may start with ~.
	DropDir string `toml:"drop_dir"`

	// SnapshotTTLMs is how long a fetched snapshot satisfies repeat
	// requests before the daemon is asked again. Default: 500.
	SnapshotTTLMs int `toml:"snapshot_ttl_ms"`
}

// PrefetchSettings controls background cache warming.
type PrefetchSettings struct {
	// Enabled turns the prefetcher on. Default: true.
	// Pointer to distinguish "not set" from "explicitly false".
	Enabled *bool `toml:"enabled"`

	// PerSecond caps prefetch fetches per second. Default: 2.
	PerSecond float64 `toml:"per_second"`

	// Burst is the limiter burst size. Default: 1.
	Burst int `toml:"burst"`
}

// GetEnabled returns whether prefetching is on, defaulting to true.
func (p *PrefetchSettings) GetEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// WebSettings configures the local status server.
type WebSettings struct {
	// Listen is the bind address. Default: 127.0.0.1:8490.
	Listen string `toml:"listen"`

	// Token protects the API when set; requests must carry it as a bearer
	// token or ?token= query parameter.
	Token string `toml:"token"`

	// PushEnabled turns Web Push notifications on. Default: true.
	PushEnabled *bool `toml:"push_enabled"`

	// PushSubject is the VAPID subject (mailto: or https: URL).
	// Default: mailto:crystal-console@localhost
	PushSubject string `toml:"push_subject"`
}

// GetPushEnabled returns whether push is on, defaulting to true.
func (w *WebSettings) GetPushEnabled() bool {
	if w.PushEnabled == nil {
		return true
	}
	return *w.PushEnabled
}

// LogSettings configures console.log in the profile directory.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	// Default: "info". CRYSTAL_CONSOLE_LOG overrides.
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB is the max size before rotation. Default: 10.
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep. Default: 3.
	MaxBackups int `toml:"max_backups"`

	// RetentionDays is days to keep rotated files. Default: 30.
	RetentionDays int `toml:"retention_days"`

	// Compress enables gzip for rotated files. Default: true.
	Compress *bool `toml:"compress"`

	// RingBufferKB is the in-memory ring buffer size for crash dumps and
	// the `logs` subcommand. Default: 1024 (1MB).
	RingBufferKB int `toml:"ring_buffer_kb"`

	// AggregateIntervalSecs is the high-frequency event flush interval.
	// Default: 30.
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`

	// PprofEnabled starts a pprof server on localhost:6061.
	// Default: false.
	PprofEnabled bool `toml:"pprof_enabled"`
}

// GetCompress returns whether rotated logs are compressed, defaulting to true.
func (l *LogSettings) GetCompress() bool {
	if l.Compress == nil {
		return true
	}
	return *l.Compress
}

// CacheSettings configures the snapshot cache database.
type CacheSettings struct {
	// WatchIntervalSecs is the poll interval for detecting writes by other
	// console instances. Default: 2.
	WatchIntervalSecs int `toml:"watch_interval_secs"`
}

var defaultUserConfig = UserConfig{}

// Cache for user config (loaded once per process).
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// LoadUserConfig loads the user configuration from config.toml.
// Returns cached config after first load. A missing file yields defaults;
// a malformed file yields defaults plus the parse error for display.
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	configPath, err := UserConfigPath()
	if err != nil {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	var cfg UserConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		// Cache defaults to prevent repeated parse attempts; surface the
		// error so the caller can show it.
		userConfigCache = &defaultUserConfig
		return userConfigCache, fmt.Errorf("config.toml parse error: %w", err)
	}

	userConfigCache = &cfg
	return userConfigCache, nil
}

// ReloadUserConfig forces a reload of the user config.
func ReloadUserConfig() (*UserConfig, error) {
	ClearUserConfigCache()
	return LoadUserConfig()
}

// ClearUserConfigCache clears the cached user config so the next
// LoadUserConfig reads fresh from disk. Primarily for tests.
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

// SaveUserConfig writes the config to config.toml using the atomic
// write-temp-then-rename pattern, and clears the cache.
func SaveUserConfig(cfg *UserConfig) error {
	configPath, err := UserConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# crystal-console configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := syncFile(tmpPath); err != nil {
		// Rename still provides crash safety on most filesystems.
		_ = err
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize config save: %w", err)
	}

	ClearUserConfigCache()
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// GetTheme returns the configured theme, defaulting to "dark".
func GetTheme() string {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		return "dark"
	}
	switch cfg.Theme {
	case "dark", "light", "system":
		return cfg.Theme
	default:
		return "dark"
	}
}

// ResolveTheme resolves the configured theme to "dark" or "light". "system"
// consults the OS dark mode setting and falls back to "dark" on failure.
func ResolveTheme() string {
	theme := GetTheme()
	if theme != "system" {
		return theme
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return "dark"
	}
	return "light"
}

// GetDaemonSettings returns daemon settings with defaults applied.
func GetDaemonSettings() DaemonSettings {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		cfg = &defaultUserConfig
	}
	s := cfg.Daemon
	if s.BaseURL == "" {
		s.BaseURL = "http://127.0.0.1:8377"
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.SnapshotTTLMs <= 0 {
		s.SnapshotTTLMs = 500
	}
	s.DropDir = ExpandTilde(s.DropDir)
	return s
}

// SnapshotTTL returns the snapshot reuse window as a duration.
func (d DaemonSettings) SnapshotTTL() time.Duration {
	return time.Duration(d.SnapshotTTLMs) * time.Millisecond
}

// GetPrefetchSettings returns prefetch settings with defaults applied.
func GetPrefetchSettings() PrefetchSettings {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		cfg = &defaultUserConfig
	}
	s := cfg.Prefetch
	if s.PerSecond <= 0 {
		s.PerSecond = 2
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return s
}

// GetWebSettings returns web settings with defaults applied.
func GetWebSettings() WebSettings {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		cfg = &defaultUserConfig
	}
	s := cfg.Web
	if s.Listen == "" {
		s.Listen = "127.0.0.1:8490"
	}
	if s.PushSubject == "" {
		s.PushSubject = "mailto:crystal-console@localhost"
	}
	return s
}

// GetLogSettings returns log settings with defaults applied and the
// CRYSTAL_CONSOLE_LOG env override folded in.
func GetLogSettings() LogSettings {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		cfg = &defaultUserConfig
	}
	s := cfg.Logs
	if s.Level == "" {
		s.Level = "info"
	}
	if env := os.Getenv(LogLevelEnvVar); env != "" {
		s.Level = env
	}
	if s.Format == "" {
		s.Format = "json"
	}
	if s.MaxSizeMB <= 0 {
		s.MaxSizeMB = 10
	}
	if s.MaxBackups <= 0 {
		s.MaxBackups = 3
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 30
	}
	if s.RingBufferKB <= 0 {
		s.RingBufferKB = 1024
	}
	if s.AggregateIntervalSecs <= 0 {
		s.AggregateIntervalSecs = 30
	}
	return s
}

// GetCacheSettings returns cache settings with defaults applied.
func GetCacheSettings() CacheSettings {
	cfg, err := LoadUserConfig()
	if err != nil || cfg == nil {
		cfg = &defaultUserConfig
	}
	s := cfg.Cache
	if s.WatchIntervalSecs <= 0 {
		s.WatchIntervalSecs = 2
	}
	return s
}

// ExpandTilde expands a leading ~/ to the user's home directory.
func ExpandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// CreateExampleConfig writes a commented example config if none exists.
func CreateExampleConfig() error {
	configPath, err := UserConfigPath()
	if err != nil {
		return err
	}

	// Never overwrite an existing config.
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	example := `# crystal-console configuration
# This file is loaded on startup.

# Color scheme: "dark" (default), "light", or "system"
# theme = "system"

# Profile used when none is given via flag or CRYSTAL_CONSOLE_PROFILE
# default_profile = "default"

[daemon]
# Session daemon endpoint (default: http://127.0.0.1:8377)
# base_url = "http://127.0.0.1:8377"
# Bearer token for daemon requests, if the daemon requires one
# token = ""
# Directory the daemon drops event files into (same-host notification)
# drop_dir = "~/.crystal-daemon/events"
# How long a fetched snapshot satisfies repeat requests (default: 500)
# snapshot_ttl_ms = 500

[prefetch]
# Warm the snapshot cache in the background so switches paint instantly
# enabled = true
# per_second = 2

[web]
# Local status API bind address (default: 127.0.0.1:8490)
# listen = "127.0.0.1:8490"
# Token required on API requests; empty disables auth on localhost
# token = ""
# Web Push notifications for sessions waiting on input
# push_enabled = true
# push_subject = "mailto:you@example.com"

[logs]
# Minimum level: "debug", "info", "warn", "error" (default: "info")
# CRYSTAL_CONSOLE_LOG overrides this setting.
# level = "info"
# format = "json"
# max_size_mb = 10
# max_backups = 3
# retention_days = 30

[cache]
# Poll interval for detecting writes by other console instances (default: 2)
# watch_interval_secs = 2
`

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(configPath, []byte(example), 0o600)
}
