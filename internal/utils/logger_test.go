package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sensorhub/internal/config"
	"sensorhub/internal/link"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewLogger(&config.LoggingConfig{Level: level, Format: "json", Output: "stderr"})
		require.NoError(t, err)
		want, err := zapcore.ParseLevel(level)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(want))
	}

	_, err := NewLogger(&config.LoggingConfig{Level: "chatty", Output: "stderr"})
	assert.Error(t, err)
}

func TestNewLoggerRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hub.log")
	logger, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "console", Output: path, MaxSize: 1})
	require.NoError(t, err)

	NewLinkLogger(logger, "serial", "/dev/ttyS1").LogConnection("open", 0, nil)
	_ = CloseLogger(logger)

	assert.FileExists(t, path)
}

func TestLinkLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ll := NewLinkLogger(zap.New(core), "tcp", "10.0.0.5:7000")

	ll.LogConnection("open", 0, assert.AnError)
	ll.LogStats(link.Stats{BytesWritten: 12, BytesRead: 34, ErrorCount: 1})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "Link open failed", entries[0].Message)

	fields := entries[1].ContextMap()
	assert.Equal(t, "tcp", fields["link_type"])
	assert.Equal(t, "10.0.0.5:7000", fields["address"])
	assert.Equal(t, int64(12), fields["bytes_written"])
	assert.Equal(t, int64(34), fields["bytes_read"])
	assert.Equal(t, int64(1), fields["errors"])
}
