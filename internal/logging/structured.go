package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format" yaml:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output" yaml:"output"` // 输出路径 (stdout, stderr, 文件路径)
	// AuditOutput 验证尝试审计日志（slog JSON），为空时不启用
	AuditOutput string `mapstructure:"audit_output" json:"audit_output" yaml:"audit_output"`
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "text",
	Output: "stdout",
}

// NewLogger 按配置创建 logrus 日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	logger := logrus.New()

	levelStr := strings.ToLower(config.Level)
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	writer, err := getLogWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}
	logger.SetOutput(writer)

	return logger, nil
}

// StructuredLogger 结构化审计日志器，每条记录对应一次验证尝试中的事件
type StructuredLogger struct {
	slogger *slog.Logger
	writer  io.Writer
}

// NewStructuredLogger 创建审计日志器，output 为 stdout、stderr 或文件路径
func NewStructuredLogger(output string, level string) (*StructuredLogger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", level, err)
	}

	writer, err := getLogWriter(output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	return newStructuredLogger(writer, lvl), nil
}

func newStructuredLogger(writer io.Writer, level slog.Level) *StructuredLogger {
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return &StructuredLogger{
		slogger: slog.New(handler),
		writer:  writer,
	}
}

// NewWriterLogger 写入指定 writer 的审计日志器
func NewWriterLogger(writer io.Writer) *StructuredLogger {
	return newStructuredLogger(writer, slog.LevelDebug)
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, nil
	}
}

// replaceAttr 统一时间格式
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue(a.Value.Time().Format(time.RFC3339Nano)),
		}
	}
	return a
}

// InfoWithFields 带字段的信息日志
func (sl *StructuredLogger) InfoWithFields(msg string, fields map[string]any) {
	sl.logWithFields(slog.LevelInfo, msg, fields)
}

// WarnWithFields 带字段的警告日志
func (sl *StructuredLogger) WarnWithFields(msg string, fields map[string]any) {
	sl.logWithFields(slog.LevelWarn, msg, fields)
}

// ErrorWithFields 带字段的错误日志
func (sl *StructuredLogger) ErrorWithFields(msg string, fields map[string]any) {
	sl.logWithFields(slog.LevelError, msg, fields)
}

func (sl *StructuredLogger) logWithFields(level slog.Level, msg string, fields map[string]any) {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	sl.slogger.LogAttrs(context.Background(), level, msg, attrs...)
}

// WithFields 带字段的日志器
func (sl *StructuredLogger) WithFields(fields map[string]any) *FieldLogger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return &FieldLogger{
		logger: sl.slogger.With(args...),
	}
}

// Close 关闭文件输出
func (sl *StructuredLogger) Close() error {
	if f, ok := sl.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// FieldLogger 带字段的日志器
type FieldLogger struct {
	logger *slog.Logger
}

// Debug 调试日志
func (fl *FieldLogger) Debug(msg string, args ...any) {
	fl.logger.Debug(msg, args...)
}

// Info 信息日志
func (fl *FieldLogger) Info(msg string, args ...any) {
	fl.logger.Info(msg, args...)
}

// Warn 警告日志
func (fl *FieldLogger) Warn(msg string, args ...any) {
	fl.logger.Warn(msg, args...)
}

// Error 错误日志
func (fl *FieldLogger) Error(msg string, args ...any) {
	fl.logger.Error(msg, args...)
}

// NewAttemptLogger 验证尝试专用日志器
func NewAttemptLogger(baseLogger *StructuredLogger, attemptID, query string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component":  "workflow",
		"attempt_id": attemptID,
		"query":      query,
	})
}

// NewSubmissionLogger 交易提交专用日志器
func NewSubmissionLogger(baseLogger *StructuredLogger, attemptID string, relayBlock uint32, txHash string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component":   "submitter",
		"attempt_id":  attemptID,
		"relay_block": relayBlock,
		"tx_hash":     txHash,
	})
}
