// Package config resolves crystal-console's on-disk layout and loads the
// user's TOML configuration.
//
// Layout:
//
//	~/.crystal-console/config.toml     shared user configuration
//	~/.crystal-console/<profile>/      per-profile state (db, logs, push keys)
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultProfile is used when no profile is selected anywhere.
	DefaultProfile = "default"

	// UserConfigFileName is the TOML config file name.
	UserConfigFileName = "config.toml"

	// ProfileEnvVar selects the profile without a flag. Tests pin "_test".
	ProfileEnvVar = "CRYSTAL_CONSOLE_PROFILE"

	// LogLevelEnvVar overrides the configured log level.
	LogLevelEnvVar = "CRYSTAL_CONSOLE_LOG"
)

// ConsoleDir returns the base crystal-console directory (~/.crystal-console).
func ConsoleDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".crystal-console"), nil
}

// UserConfigPath returns the path to the shared config file.
func UserConfigPath() (string, error) {
	dir, err := ConsoleDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// ProfileDir returns the directory holding one profile's state. The name is
// sanitized so a crafted profile can never escape the base directory.
func ProfileDir(profile string) (string, error) {
	// Base maps "" to "." and strips any directory components.
	profile = filepath.Base(profile)
	if profile == "." || profile == ".." || profile == string(filepath.Separator) {
		return "", fmt.Errorf("invalid profile name: %q", profile)
	}

	dir, err := ConsoleDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, profile), nil
}

// EnsureProfileDir resolves the profile directory and creates it if missing.
func EnsureProfileDir(profile string) (string, error) {
	dir, err := ProfileDir(profile)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create profile directory: %w", err)
	}
	return dir, nil
}

// EffectiveProfile returns the profile to use, in priority order:
// explicit flag value, CRYSTAL_CONSOLE_PROFILE, config default_profile,
// then "default".
func EffectiveProfile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(ProfileEnvVar); env != "" {
		return env
	}
	cfg, err := LoadUserConfig()
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfile
}
