package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"tasksync/internal/conflict"
)

// Todo provider names accepted by todo_provider.
const (
	TodoProviderNone   = "none"
	TodoProviderCalDAV = "caldav"
	TodoProviderGoogle = "google"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKSYNC_CALDAV_PASSWORD.
const EnvPrefix = "TASKSYNC"

// Settings is the user configuration read from config.yaml.
type Settings struct {
	TodoProvider string          `mapstructure:"todo_provider"`
	CalDAV       CalDAVSettings  `mapstructure:"caldav"`
	Google       GoogleSettings  `mapstructure:"google"`
	Dropbox      DropboxSettings `mapstructure:"dropbox"`
	Sync         SyncSettings    `mapstructure:"sync"`
	Log          LogSettings     `mapstructure:"log"`
}

type CalDAVSettings struct {
	ServerURL     string `mapstructure:"server_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	CollectionURL string `mapstructure:"collection_url"`
}

type GoogleSettings struct {
	ListID string `mapstructure:"list_id"`
}

type DropboxSettings struct {
	AppKey      string `mapstructure:"app_key"`
	Folder      string `mapstructure:"folder"`
	RedirectURL string `mapstructure:"redirect_url"`
	Passphrase  string `mapstructure:"passphrase"`
}

type SyncSettings struct {
	Policy   string        `mapstructure:"policy"`
	Auto     bool          `mapstructure:"auto"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogSettings struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Enabled reports whether Dropbox snapshot sync is configured.
func (d DropboxSettings) Enabled() bool {
	return d.AppKey != ""
}

func defaults(v *viper.Viper) {
	v.SetDefault("todo_provider", TodoProviderNone)
	v.SetDefault("caldav.server_url", "")
	v.SetDefault("caldav.username", "")
	v.SetDefault("caldav.password", "")
	v.SetDefault("caldav.collection_url", "")
	v.SetDefault("google.list_id", "@default")
	v.SetDefault("dropbox.app_key", "")
	v.SetDefault("dropbox.folder", "/TaskFuchs")
	v.SetDefault("dropbox.redirect_url", "http://127.0.0.1:8085/callback")
	v.SetDefault("dropbox.passphrase", "")
	v.SetDefault("sync.policy", string(conflict.LastWriteWins))
	v.SetDefault("sync.auto", false)
	v.SetDefault("sync.interval", "15m")
	v.SetDefault("log.file", LogFile)
	v.SetDefault("log.max_size_mb", 5)
	v.SetDefault("log.max_backups", 3)
}

func (c *Config) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(c.SettingsPath())
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)
	return v
}

// LoadSettings reads config.yaml from the config directory. A missing file
// yields the defaults plus environment overrides.
func (c *Config) LoadSettings() (*Settings, error) {
	v := c.newViper()
	if _, err := os.Stat(c.SettingsPath()); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", c.SettingsPath(), err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return decode(v)
}

// WatchSettings calls onChange with the re-read settings each time
// config.yaml changes. The file must exist.
func (c *Config) WatchSettings(onChange func(*Settings, error)) error {
	v := c.newViper()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", c.SettingsPath(), err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks value ranges and enumerations.
func (s *Settings) Validate() error {
	switch s.TodoProvider {
	case TodoProviderNone, TodoProviderCalDAV, TodoProviderGoogle:
	case "":
		s.TodoProvider = TodoProviderNone
	default:
		return fmt.Errorf("invalid todo_provider %q (want caldav, google or none)", s.TodoProvider)
	}
	if _, err := conflict.ParsePolicy(s.Sync.Policy); err != nil {
		return err
	}
	if s.Sync.Auto && s.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive when sync.auto is set")
	}
	if s.TodoProvider == TodoProviderCalDAV && s.CalDAV.ServerURL == "" {
		return fmt.Errorf("caldav.server_url is required for the caldav provider")
	}
	return nil
}

// Policy returns the parsed conflict policy.
func (s *Settings) Policy() conflict.Policy {
	p, _ := conflict.ParsePolicy(s.Sync.Policy)
	return p
}
