package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSaveSection_ReplacesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`# My config
mailbox:
  backend: memory
poll:
  wait_seconds: 25
`), 0o600))

	require.NoError(t, SaveSection(path, "mailbox", MailboxConfig{
		Backend:    "sqlite",
		SQLitePath: "/tmp/mailbox.db",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "backend: sqlite")
	assert.Contains(t, content, "sqlite_path: /tmp/mailbox.db")
	// Other sections and the leading comment survive.
	assert.Contains(t, content, "wait_seconds: 25")
	assert.Contains(t, content, "# My config")
}

func TestSaveSection_AppendsMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  wait_seconds: 10\n"), 0o600))

	require.NoError(t, SaveSection(path, "permissions", PermissionConfig{MaxAgeHours: 2}))

	var doc struct {
		Poll        map[string]int     `yaml:"poll"`
		Permissions map[string]float64 `yaml:"permissions"`
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, 10, doc.Poll["wait_seconds"])
	assert.Equal(t, 2.0, doc.Permissions["max_age_hours"])
}

func TestSaveSection_CreatesFileFromTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SaveSection(path, "poll", PollConfig{WaitSeconds: 5}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "wait_seconds: 5")
	// Template content around the saved section is kept.
	assert.Contains(t, content, "backend: memory")
}

func TestSaveSection_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, SaveSection(path, "mailbox", MailboxConfig{Backend: "memory"}))

	var doc map[string]MailboxConfig
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "memory", doc["mailbox"].Backend)
}

func TestSaveSection_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- broken"), 0o600))

	err := SaveSection(path, "poll", PollConfig{WaitSeconds: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}
