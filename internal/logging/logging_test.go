package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestConfigure_TextWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := configure(Config{Level: "INFO", Fields: map[string]string{"svc": "mailsift"}}, &buf)

	logger.Info("hello", "k", "v")
	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "svc=mailsift")
	assert.Contains(t, out, "k=v")
}

func TestConfigure_JSONAndLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := configure(Config{Level: "WARN", JSON: true}, &buf)

	logger.Info("invisible")
	logger.Warn("visible")

	out := buf.String()
	require.NotContains(t, out, "invisible")
	assert.Contains(t, out, `"msg":"visible"`)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
}
