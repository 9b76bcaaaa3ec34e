// Package config provides configuration types, defaults, and persistence for
// convoy.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/tracing"
)

// Config holds all configuration options for the coordinator process.
type Config struct {
	// DataDir is where session documents are persisted.
	// Default: ~/.convoy/sessions
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	Mailbox     MailboxConfig    `yaml:"mailbox" mapstructure:"mailbox"`
	Poll        PollConfig       `yaml:"poll" mapstructure:"poll"`
	Permissions PermissionConfig `yaml:"permissions" mapstructure:"permissions"`
	Tracing     tracing.Config   `yaml:"tracing" mapstructure:"tracing"`
}

// MailboxConfig selects and configures the mailbox backend.
type MailboxConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend" mapstructure:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	// Default: <data_dir>/mailbox.db
	SQLitePath string `yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
}

// PollConfig bounds the blocking poll_messages tool.
type PollConfig struct {
	// WaitSeconds is the upper bound for a waiting poll.
	WaitSeconds int `yaml:"wait_seconds" mapstructure:"wait_seconds"`
}

// PermissionConfig governs the pending permission queue.
type PermissionConfig struct {
	// MaxAgeHours is the default age threshold for clear_expired_permissions.
	MaxAgeHours float64 `yaml:"max_age_hours" mapstructure:"max_age_hours"`
}

// DefaultDataDir returns ~/.convoy/sessions, or empty when the home dir is
// unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".convoy", "sessions")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Mailbox: MailboxConfig{
			Backend: "memory",
		},
		Poll: PollConfig{
			WaitSeconds: 25,
		},
		Permissions: PermissionConfig{
			MaxAgeHours: 1,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults and are valid.
func Validate(cfg Config) error {
	switch cfg.Mailbox.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("mailbox.backend must be \"memory\" or \"sqlite\", got %q", cfg.Mailbox.Backend)
	}

	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		return fmt.Errorf("data_dir must be an absolute path, got %q", cfg.DataDir)
	}
	if cfg.Poll.WaitSeconds < 0 {
		return fmt.Errorf("poll.wait_seconds must be non-negative, got %d", cfg.Poll.WaitSeconds)
	}
	if cfg.Permissions.MaxAgeHours < 0 {
		return fmt.Errorf("permissions.max_age_hours must be non-negative, got %v", cfg.Permissions.MaxAgeHours)
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks the tracing block.
func ValidateTracing(cfg tracing.Config) error {
	if cfg.SampleRate < 0.0 || cfg.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", cfg.SampleRate)
	}

	switch cfg.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", cfg.Exporter)
	}

	if cfg.Enabled {
		if cfg.Exporter == "file" && cfg.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if cfg.Exporter == "otlp" && cfg.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Convoy Configuration

# Directory for session documents (default: ~/.convoy/sessions)
# data_dir: /home/you/.convoy/sessions

# Mailbox backend
mailbox:
  # "memory" keeps everything in process; "sqlite" survives restarts
  backend: memory
  # Database file for the sqlite backend (default: <data_dir>/mailbox.db)
  # sqlite_path: /home/you/.convoy/mailbox.db

# Message polling
poll:
  # Upper bound in seconds for a waiting poll_messages call
  wait_seconds: 25

# Permission queue
permissions:
  # Default age in hours before clear_expired_permissions marks a
  # pending request as expired
  max_age_hours: 1

# Tracing of coordinator tool calls
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   file_path: ~/.convoy/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint
#   sample_rate: 1.0               # Sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
