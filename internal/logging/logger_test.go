package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "invalid JSON log line %q", line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates coordinator log in directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug, DefaultRotationConfig())
		require.NoError(t, err)
		defer logger.Close()

		logger.Info("hello")
		assert.FileExists(t, filepath.Join(dir, LogFileName))
	})

	t.Run("writes to stderr when directory is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo, DefaultRotationConfig())
		require.NoError(t, err)
		assert.Nil(t, logger.writer, "no file writer when directory is empty")
		assert.NoError(t, logger.Close())
	})
}

func TestLogger_LevelsAndContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.WithSession("s1").WithStage("planning").Warn("stage attempt failed", "attempt", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	got := lines[0]
	assert.Equal(t, "stage attempt failed", got["msg"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, "planning", got["stage"])
	assert.Equal(t, float64(2), got["attempt"])
}

func TestLogger_SetLevelSharedWithChildren(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriterLogger(&buf, LevelError)
	child := root.WithComponent("bus")

	child.Info("dropped")
	root.SetLevel(LevelDebug)
	child.Debug("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, LevelDebug, root.Level())
}

func TestLogger_WithSkipsNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo).With(1, "x", "k", "v")
	logger.Info("m")

	lines := decodeLines(t, &buf)
	require.NotEmpty(t, lines)
	assert.Equal(t, "v", lines[0]["k"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"Error": LevelError,
		"bogus": LevelInfo,
		"":      LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
	assert.Len(t, ValidLevels(), 4)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.WithSession("x").Error("nothing happens")
	assert.NoError(t, logger.Close())
}
