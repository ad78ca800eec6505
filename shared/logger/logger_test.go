package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel []string
	}{
		{name: "debug", level: "debug", wantLevel: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info", level: "info", wantLevel: []string{"INFO", "WARN", "ERROR"}},
		{name: "warn", level: "warn", wantLevel: []string{"WARN", "ERROR"}},
		{name: "error", level: "error", wantLevel: []string{"ERROR"}},
		{name: "uppercase", level: "WARN", wantLevel: []string{"WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			log, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")

			entries := decodeLines(t, output)
			require.Len(t, entries, len(tt.wantLevel))
			for i, entry := range entries {
				assert.Equal(t, tt.wantLevel[i], entry["level"])
			}
		})
	}
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Level: "info", Format: "console", NoColor: true, writer: output})
	require.NoError(t, err)

	log.Info("worker started", slog.String("worker_id", "w-1"))

	// tint abbreviates levels
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "worker started")
	assert.Contains(t, output.String(), "worker_id=w-1")
	assert.NotContains(t, output.String(), "\x1b[")
}

func TestNew_Source(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	log.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := New(&Config{Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("to file", slog.String("scenario_id", "abc"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_id":"abc"`)
}

func TestNew_FileOutputError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "worker.log")

	log, err := New(&Config{Output: path})
	require.Error(t, err)
	assert.Nil(t, log)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"invalid": slog.LevelInfo,
		"":        slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestLogger_Derived(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Format: "json", writer: output})
	require.NoError(t, err)

	log.Component("consumer").Info("received")
	log.With("worker_id", "w-1").Info("idle")

	entries := decodeLines(t, output)
	require.Len(t, entries, 2)

	assert.Equal(t, "consumer", entries[0]["component"])
	assert.Equal(t, "w-1", entries[1]["worker_id"])
}
