package api

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func entry(level logrus.Level, msg string, fields logrus.Fields) *logrus.Entry {
	return &logrus.Entry{Time: time.Now(), Level: level, Message: msg, Data: fields}
}

func TestLogManagerKeepsNewest(t *testing.T) {
	lm := NewLogManager(3)
	for i := 0; i < 5; i++ {
		lm.AddLog(entry(logrus.InfoLevel, fmt.Sprintf("m%d", i), nil))
	}
	assert.Equal(t, 3, lm.Len())

	logs, total := lm.GetLogs(LogFilter{})
	assert.Equal(t, 3, total)
	assert.Equal(t, "m4", logs[0].Message)
	assert.Equal(t, "m2", logs[2].Message)

	lm.ClearLogs()
	assert.Equal(t, 0, lm.Len())
}

func TestLogManagerFilterAndPaging(t *testing.T) {
	lm := NewLogManager(100)
	lm.AddLog(entry(logrus.InfoLevel, "start", logrus.Fields{"attempt_id": "a-1"}))
	lm.AddLog(entry(logrus.WarnLevel, "retry", logrus.Fields{"attempt_id": "a-1", "error": fmt.Errorf("pruned")}))
	lm.AddLog(entry(logrus.InfoLevel, "start", logrus.Fields{"attempt_id": "a-2"}))
	lm.AddLog(entry(logrus.ErrorLevel, "failed", logrus.Fields{"attempt_id": "a-1"}))

	logs, total := lm.GetLogs(LogFilter{AttemptID: "a-1"})
	assert.Equal(t, 3, total)
	assert.Equal(t, "failed", logs[0].Message)

	logs, total = lm.GetLogs(LogFilter{Level: "warning"})
	assert.Equal(t, 1, total)
	assert.Equal(t, "pruned", logs[0].Fields["error"])

	logs, total = lm.GetLogs(LogFilter{Page: 2, PageSize: 3})
	assert.Equal(t, 4, total)
	assert.Len(t, logs, 1)
	assert.Equal(t, "start", logs[0].Message)

	logs, _ = lm.GetLogs(LogFilter{Page: 5, PageSize: 3})
	assert.Empty(t, logs)
}
