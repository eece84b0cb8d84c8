package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbrick/internal/config"
)

func TestNewFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbrick.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("provisioning step", "agent_id", "a1", "phase", "init")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "provisioning step", entry["msg"])
	assert.Equal(t, "a1", entry["agent_id"])
	assert.Equal(t, "init", entry["phase"])
}

func TestNewTextRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbrick.log")
	log, closer, err := New(config.LoggerConfig{Level: "warn", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "msg=kept")
}

func TestNewBadOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), tt.input)
	}
}

func TestOpenOutputStd(t *testing.T) {
	w, _, err := openOutput("stdout")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)

	w, _, err = openOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
}

func TestNewRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawbrick.log")
	log, closer, err := New(config.LoggerConfig{Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("deploy", "agent_id", "a1", "bot_token", "123:abc", "llm_api_key", "sk-ant", "attempt", 2)
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, Redacted, entry["bot_token"])
	assert.Equal(t, Redacted, entry["llm_api_key"])
	assert.Equal(t, "a1", entry["agent_id"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
	log.Error("goes nowhere")
}
