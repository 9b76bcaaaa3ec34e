package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/convoy/internal/tracing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "memory", cfg.Mailbox.Backend)
	assert.Equal(t, 25, cfg.Poll.WaitSeconds)
	assert.Equal(t, 1.0, cfg.Permissions.MaxAgeHours)
	assert.False(t, cfg.Tracing.Enabled)
	require.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "zero value is valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Mailbox.Backend = "postgres" },
			wantErr: "mailbox.backend",
		},
		{
			name:    "relative data dir",
			mutate:  func(c *Config) { c.DataDir = "sessions" },
			wantErr: "data_dir",
		},
		{
			name:    "negative poll wait",
			mutate:  func(c *Config) { c.Poll.WaitSeconds = -1 },
			wantErr: "poll.wait_seconds",
		},
		{
			name:    "negative max age",
			mutate:  func(c *Config) { c.Permissions.MaxAgeHours = -0.5 },
			wantErr: "permissions.max_age_hours",
		},
		{
			name:    "bad sample rate",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 1.5 },
			wantErr: "tracing.sample_rate",
		},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "kafka" },
			wantErr: "tracing.exporter",
		},
		{
			name: "enabled file exporter without path",
			mutate: func(c *Config) {
				c.Tracing = tracing.Config{Enabled: true, Exporter: "file", SampleRate: 1.0}
			},
			wantErr: "tracing.file_path",
		},
		{
			name: "enabled otlp exporter without endpoint",
			mutate: func(c *Config) {
				c.Tracing = tracing.Config{Enabled: true, Exporter: "otlp", SampleRate: 1.0}
			},
			wantErr: "tracing.otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: memory")
	assert.Contains(t, string(data), "wait_seconds: 25")
}
