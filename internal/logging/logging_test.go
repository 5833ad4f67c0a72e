package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/photothumb/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"-4":      slog.LevelDebug,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("derived", "msg_id", "1-0")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg_id":"1-0"`)
}

func TestNewWithWriterRejectsFormat(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, config.LogConfig{Format: "xml"})
	assert.Error(t, err)
}
