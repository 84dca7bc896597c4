package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, err = NewLogger(&LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relayverify.log")
	logger, err := NewLogger(&LogConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	logger.Info("写入文件")
	assert.FileExists(t, path)
}

func TestAttemptLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf)

	NewAttemptLogger(base, "a-1", "System.Account(alice)").Info("开始验证", "relay_block", 100)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "开始验证", entry["msg"])
	assert.Equal(t, "a-1", entry["attempt_id"])
	assert.Equal(t, "workflow", entry["component"])
	assert.Equal(t, float64(100), entry["relay_block"])
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "INFO", ""} {
		_, err := parseLogLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := parseLogLevel("verbose")
	assert.Error(t, err)
}
