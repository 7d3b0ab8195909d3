// Package logger_test contains tests for the logger package
package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/taskpipe/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })
}

func TestSetupLevels(t *testing.T) {
	testCases := []struct {
		level       string
		debugLogged bool
		infoLogged  bool
		warnLogged  bool
	}{
		{level: "debug", debugLogged: true, infoLogged: true, warnLogged: true},
		{level: "INFO", debugLogged: false, infoLogged: true, warnLogged: true},
		{level: "warn", debugLogged: false, infoLogged: false, warnLogged: true},
		{level: "bogus", debugLogged: false, infoLogged: true, warnLogged: true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			restoreDefault(t)

			var buf bytes.Buffer
			l, err := logger.Setup(logger.LoggerConfig{Level: tc.level, Output: &buf})
			require.NoError(t, err)
			require.NotNil(t, l)

			slog.Debug("debug message")
			slog.Info("info message")
			slog.Warn("warn message")

			out := buf.String()
			assert.Equal(t, tc.debugLogged, strings.Contains(out, "debug message"))
			assert.Equal(t, tc.infoLogged, strings.Contains(out, "info message"))
			assert.Equal(t, tc.warnLogged, strings.Contains(out, "warn message"))
		})
	}
}

func TestSetupWritesJSON(t *testing.T) {
	restoreDefault(t)

	var buf bytes.Buffer
	l, err := logger.Setup(logger.LoggerConfig{Level: "info", Output: &buf})
	require.NoError(t, err)

	l.Info("consumer subscribed", "queue", "tasks_queue")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "consumer subscribed", entry["msg"])
	assert.Equal(t, "tasks_queue", entry["queue"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestSetupSetsDefault(t *testing.T) {
	restoreDefault(t)

	l, err := logger.Setup(logger.LoggerConfig{Level: "error"})
	require.NoError(t, err)
	assert.Same(t, l, slog.Default())
}

func TestParseLevel(t *testing.T) {
	level, ok := logger.ParseLevel(" Warn ")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelWarn, level)

	level, ok = logger.ParseLevel("trace")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestContextLogger(t *testing.T) {
	l, buf := logger.NewTestLogger(t)
	l = l.With("message_id", "m-1")

	ctx := logger.WithLogger(context.Background(), l)
	logger.FromContext(ctx).Info("processing task event")

	entry, ok := buf.Find("processing task event")
	require.True(t, ok)
	assert.Equal(t, "m-1", entry["message_id"])

	assert.Equal(t, slog.Default(), logger.FromContext(context.Background()))
}
