package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// Spans must work without a real provider behind them.
	ctx, span := StartToolSpan(context.Background(), p.Tracer(), "spawn_agent")
	require.NotNil(t, ctx)
	EndToolSpan(span, nil)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	assert.Error(t, err)
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFileExporter_WritesSpansAsJSONL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)

	_, span := StartToolSpan(ctx, p.Tracer(), "poll_messages")
	EndToolSpan(span, errors.New("backend down"))

	require.NoError(t, p.Shutdown(ctx))

	data, err := os.ReadFile(path) //nolint:gosec // test-owned path
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "tool.poll_messages", rec.Name)
	assert.Equal(t, "ERROR", rec.Status)
	assert.Equal(t, "backend down", rec.StatusMsg)
	assert.NotEmpty(t, rec.TraceID)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "file", cfg.Exporter)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, "convoy-coordinator", cfg.ServiceName)
}
