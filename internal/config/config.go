// Package config loads agent configuration from the fieldsync config
// file and environment.
//
// Lookup order: explicit --config path, then ./fieldsync.yaml, then
// $HOME/.config/fieldsync/fieldsync.yaml. Environment variables
// override file values with a FIELDSYNC_ prefix and dots replaced by
// underscores (FIELDSYNC_REMOTE_BASE_URL overrides remote.base_url).
// A missing config file is not an error; defaults apply.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the resolved agent configuration.
type Config struct {
	DB struct {
		// Path is the SQLite database file
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`

	Remote struct {
		// BaseURL of the municipal sync authority
		BaseURL string `mapstructure:"base_url"`
		// Timeout per remote request
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"remote"`

	Connectivity struct {
		// ProbeInterval between reachability probes
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
		// Debounce is how long a raw state must hold before the agent
		// commits to it
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"connectivity"`

	Sync struct {
		// AttemptCap before a queue item stops being retried
		// automatically
		AttemptCap int `mapstructure:"attempt_cap"`
	} `mapstructure:"sync"`

	Spool struct {
		// Dir is the photo capture spool root
		Dir string `mapstructure:"dir"`
	} `mapstructure:"spool"`

	Statusd struct {
		// Port for the localhost status server
		Port int `mapstructure:"port"`
	} `mapstructure:"statusd"`

	Log struct {
		// File for agent logs; empty means stderr only
		File string `mapstructure:"file"`
		// MaxSizeMB before the log file rotates
		MaxSizeMB int `mapstructure:"max_size_mb"`
		// MaxBackups rotated files to keep
		MaxBackups int `mapstructure:"max_backups"`
	} `mapstructure:"log"`
}

// setDefaults installs the defaults every key falls back to.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "fieldsync")

	v.SetDefault("db.path", filepath.Join(base, "fieldsync.db"))
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("connectivity.probe_interval", 5*time.Second)
	v.SetDefault("connectivity.debounce", 2*time.Second)
	v.SetDefault("sync.attempt_cap", 5)
	v.SetDefault("spool.dir", filepath.Join(base, "spool"))
	v.SetDefault("statusd.port", 7717)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load resolves configuration. path, when non-empty, names an explicit
// config file and must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate rejects values the agent cannot run with.
func (c *Config) validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path cannot be empty")
	}
	if c.Sync.AttemptCap < 1 {
		return fmt.Errorf("sync.attempt_cap must be at least 1, got %d", c.Sync.AttemptCap)
	}
	if c.Statusd.Port < 1 || c.Statusd.Port > 65535 {
		return fmt.Errorf("statusd.port out of range: %d", c.Statusd.Port)
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	if c.Connectivity.Debounce < 0 {
		return fmt.Errorf("connectivity.debounce cannot be negative")
	}
	return nil
}
