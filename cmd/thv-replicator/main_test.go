package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		prefixed string
		legacy   string
		expected slog.Level
	}{
		{name: "unset", expected: slog.LevelInfo},
		{name: "prefixed debug", prefixed: "debug", expected: slog.LevelDebug},
		{name: "legacy warn", legacy: "WARN", expected: slog.LevelWarn},
		{name: "prefixed wins", prefixed: "error", legacy: "debug", expected: slog.LevelError},
		{name: "invalid", prefixed: "loud", expected: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("THV_REPLICATOR_LOG_LEVEL", tt.prefixed)
			t.Setenv("LOG_LEVEL", tt.legacy)
			assert.Equal(t, tt.expected, getLogLevel())
		})
	}
}

func TestZapLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zapcore.ErrorLevel, zapLevel(slog.LevelError))
	assert.Equal(t, zapcore.WarnLevel, zapLevel(slog.LevelWarn))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(slog.LevelInfo))
	assert.True(t, zapLevel(slog.LevelDebug) < zapcore.DebugLevel)
}
