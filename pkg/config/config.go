package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the config file read when no --config flag is given.
const DefaultPath = "config.yaml"

// Config holds all configuration for wrangle-engine.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// MetricsEnabled exposes /metrics for Prometheus scraping.
	MetricsEnabled bool `yaml:"metrics_enabled" env:"METRICS_ENABLED" env-default:"true"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// History holds the backup and undo policy.
	History HistoryConfig `yaml:"history"`

	// Upload limits for CSV and XLSX ingestion.
	Upload UploadConfig `yaml:"upload"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"wrangle"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"wrangle_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// HistoryConfig holds the edit-distance thresholds of the transformation ledger.
type HistoryConfig struct {
	// BackupThreshold is the edit distance since the last backup that triggers a new one.
	BackupThreshold int `yaml:"backup_threshold" env:"HISTORY_BACKUP_THRESHOLD" env-default:"30"`
	// RecoverRange is the largest edit distance that may be replayed from the original
	// upload when the only backup is newer than the transformation being undone.
	RecoverRange int `yaml:"recover_range" env:"HISTORY_RECOVER_RANGE" env-default:"39"`
	// MaxBackups is the number of backup generations kept per table.
	MaxBackups int `yaml:"max_backups" env:"HISTORY_MAX_BACKUPS" env-default:"2"`
}

// UploadConfig holds ingestion limits.
type UploadConfig struct {
	MaxUploadMB int `yaml:"max_upload_mb" env:"UPLOAD_MAX_MB" env-default:"64"`
	// MaxOneHotValues caps the number of columns one-hot encoding may add.
	MaxOneHotValues int `yaml:"max_one_hot_values" env:"UPLOAD_MAX_ONE_HOT_VALUES" env-default:"200"`
}

// Load reads configuration from the YAML file at path with environment variable overrides.
// A missing file is not an error: the environment and defaults are used alone.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.History.Validate(); err != nil {
		return nil, fmt.Errorf("invalid history configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects policies that cannot hold the two-generation invariant.
func (h *HistoryConfig) Validate() error {
	if h.BackupThreshold <= 0 {
		return fmt.Errorf("backup_threshold must be positive, got %d", h.BackupThreshold)
	}
	if h.RecoverRange < h.BackupThreshold {
		return fmt.Errorf("recover_range (%d) must not be below backup_threshold (%d)", h.RecoverRange, h.BackupThreshold)
	}
	if h.MaxBackups < 1 {
		return fmt.Errorf("max_backups must be at least 1, got %d", h.MaxBackups)
	}
	return nil
}

// DefaultHistory returns the policy used when nothing is configured.
func DefaultHistory() HistoryConfig {
	return HistoryConfig{BackupThreshold: 30, RecoverRange: 39, MaxBackups: 2}
}

// ConnectionURL returns a PostgreSQL connection URL.
// A localhost host is rewritten to host.docker.internal when running inside Docker.
func (c *DatabaseConfig) ConnectionURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the application is running inside a Docker container.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback hosts to the Docker host gateway when in a container.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
