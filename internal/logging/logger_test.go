package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: "warn", Console: &buf})
	require.NoError(t, err)

	logger.Info("hidden %d", 1)
	logger.Warn("shown %d", 2)
	logger.Debug("hidden %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Equal(t, logrus.WarnLevel, logger.Level())
}

func TestLoggerDebugOverride(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: "error", EnableDebug: true, Console: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.Level())

	logger.SetDebug(false)
	assert.Equal(t, logrus.ErrorLevel, logger.Level())

	require.NoError(t, logger.SetLevel("INFO"))
	assert.Equal(t, logrus.InfoLevel, logger.Level())

	assert.Error(t, logger.SetLevel("chatty"))
	assert.Equal(t, logrus.InfoLevel, logger.Level())
}

func TestLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestLoggerWritesFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "gosling.log")

	logger, err := NewLogger(Config{LogFile: path, Console: &console})
	require.NoError(t, err)

	logger.WithConn("abc123").Info("tunnel established")
	logger.Stats("connections=%d", 5)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tunnel established")
	assert.Contains(t, string(data), "conn=abc123")
	assert.Contains(t, string(data), "connections=5")
	assert.Contains(t, console.String(), "tunnel established")
}

func TestGlobalLoggerNilSafe(t *testing.T) {
	saved := globalLogger
	globalLogger = nil
	defer func() { globalLogger = saved }()

	assert.NoError(t, CloseGlobalLogger())
	assert.Nil(t, GetGlobalLogger())
}
