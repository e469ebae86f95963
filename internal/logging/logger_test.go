package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, LevelFromString(in), "level %q", in)
	}
}

func TestLoggerWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "dispatcher")

	logger.Info("dropped")
	assert.Zero(t, buf.Len(), "below the configured level")

	logger.Warn("lease lost", "ride_id", "r1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "lease lost", rec["msg"])
	assert.Equal(t, "dispatcher", rec["service"])
	assert.Equal(t, "r1", rec["ride_id"])
	assert.Contains(t, rec, "source")
}
