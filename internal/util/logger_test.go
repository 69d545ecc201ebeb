package util

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixLogWriter(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerLevel(&buf, slog.LevelDebug)
	t.Cleanup(func() { InitLoggerLevel(&bytes.Buffer{}, slog.LevelInfo) })

	w := NewPrefixLogWriter("[server]")
	w.Write([]byte("INFO: Device: [abc]\nINFO: par"))
	w.Write([]byte("tial\n\n"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `msg="INFO: Device: [abc]"`)
	assert.Contains(t, lines[0], "source=[server]")
	assert.Contains(t, lines[1], `msg="INFO: partial"`)
}

func TestCLILoggerHidesInfo(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerLevel(&buf, slog.LevelWarn)
	t.Cleanup(func() { InitLoggerLevel(&bytes.Buffer{}, slog.LevelInfo) })

	GetLogger().Info("hidden")
	GetLogger().Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
