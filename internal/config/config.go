// Package config handles XDG configuration directory and file paths.
package config

import (
	"os"
	"path/filepath"
)

const (
	// AppName is the application directory name.
	AppName = "tasksync"

	// OAuthClientFile is the Google OAuth client credentials filename.
	OAuthClientFile = "oauth_client.json"

	// SettingsFile is the YAML settings filename.
	SettingsFile = "config.yaml"

	// DBFile is the local task database filename.
	DBFile = "tasks.db"

	// LogFile is the default log filename.
	LogFile = "tasksync.log"
)

// Config holds configuration paths and settings.
type Config struct {
	// Dir is the configuration directory path.
	Dir string

	// Debug enables debug logging.
	Debug bool

	// Quiet suppresses informational output.
	Quiet bool
}

// New creates a new Config with the default or specified config directory.
// If configDir is empty, uses XDG_CONFIG_HOME/tasksync or $HOME/.config/tasksync.
func New(configDir string) (*Config, error) {
	dir := configDir
	if dir == "" {
		dir = DefaultConfigDir()
	}
	return &Config{Dir: dir}, nil
}

// DefaultConfigDir returns the default configuration directory.
// Uses XDG_CONFIG_HOME if set, otherwise $HOME/.config.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home can't be determined
		return AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// OAuthClientPath returns the path to the Google OAuth client credentials file.
func (c *Config) OAuthClientPath() string {
	return filepath.Join(c.Dir, OAuthClientFile)
}

// TokenPath returns the path to the stored OAuth token of a provider.
func (c *Config) TokenPath(provider string) string {
	return filepath.Join(c.Dir, provider+"_token.json")
}

// SettingsPath returns the path to the YAML settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.Dir, SettingsFile)
}

// DBPath returns the path to the local task database.
func (c *Config) DBPath() string {
	return filepath.Join(c.Dir, DBFile)
}

// LogPath returns the log file path. A relative log.file setting is
// resolved against the config directory.
func (c *Config) LogPath(s *Settings) string {
	if s == nil || s.Log.File == "" {
		return filepath.Join(c.Dir, LogFile)
	}
	if filepath.IsAbs(s.Log.File) {
		return s.Log.File
	}
	return filepath.Join(c.Dir, s.Log.File)
}

// EnsureDir creates the config directory if it doesn't exist.
// Directory is created with mode 0700.
func (c *Config) EnsureDir() error {
	return os.MkdirAll(c.Dir, 0700)
}

// HasOAuthClient checks if the OAuth client credentials file exists.
func (c *Config) HasOAuthClient() bool {
	_, err := os.Stat(c.OAuthClientPath())
	return err == nil
}

// HasToken checks if a token file exists for provider.
func (c *Config) HasToken(provider string) bool {
	_, err := os.Stat(c.TokenPath(provider))
	return err == nil
}
