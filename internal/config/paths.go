package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "transitd"

const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/transitd).
// On macOS, uses ~/Library/Application Support/transitd.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for tenant state.
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/transitd).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(env, home, fallback string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath is the config file used when neither TRANSITD_CONFIG
// nor --config names one.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// TenantDataDir is where one tenant's database and drives live.
func (c *Config) TenantDataDir(identity string) string {
	return filepath.Join(c.Storage.DataDir, identity)
}

// MasterKeyPath is the tenant's master key file, defaulting to
// master.key inside its data directory.
func (c *Config) MasterKeyPath(t TenantConfig) string {
	if t.MasterKeyFile != "" {
		return t.MasterKeyFile
	}

	return filepath.Join(c.TenantDataDir(t.Identity), "master.key")
}
