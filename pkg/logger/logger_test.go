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

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNew_SimpleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, FormatSimple, false)

	l.Info("tool registered", "tool", "memory")
	l.Debug("hidden")
	l.With("server", "local").Warn("slow server")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "INFO tool registered tool=memory", lines[0])
	assert.Equal(t, "WARN slow server server=local", lines[1])
}

func TestNew_VerboseHasTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug, FormatVerbose, false)
	l.Debug("connecting")

	out := buf.String()
	assert.Contains(t, out, "DEBUG connecting")
	assert.NotEqual(t, 0, strings.Index(out, "DEBUG"), "timestamp should precede level")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, FormatJSON, false)
	l.Error("call failed", "status", 500)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "call failed", record["msg"])
	assert.Equal(t, "ERROR", record["level"])
	assert.EqualValues(t, 500, record["status"])
}

func TestNew_ColorCodes(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, FormatSimple, true)
	l.Error("boom")
	assert.Contains(t, buf.String(), "\033[31mERROR\033[0m boom")
}

func TestOpenLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	file, cleanup, err := OpenLogFile(path)
	require.NoError(t, err)

	Init(slog.LevelInfo, file, FormatSimple)
	slog.Info("written to file")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO written to file")
	assert.NotNil(t, GetLogger())
}

func TestValidateFormat(t *testing.T) {
	for _, f := range []string{"", FormatSimple, FormatVerbose, FormatJSON, FormatText} {
		assert.NoError(t, ValidateFormat(f), f)
	}
	assert.ErrorContains(t, ValidateFormat("colored"), "unknown log format")
}
