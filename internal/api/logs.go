package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志查询条件
type LogFilter struct {
	Level     string
	AttemptID string
	Page      int
	PageSize  int
}

// LogManager 内存日志缓冲，保留最近 maxLogs 条
type LogManager struct {
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，缓冲满时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		// error 值直接序列化为 {}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// snapshot 按时间从新到旧返回
func (lm *LogManager) snapshot() []LogEntry {
	count := lm.next
	if lm.full {
		count = lm.maxLogs
	}
	out := make([]LogEntry, 0, count)
	for i := 0; i < count; i++ {
		idx := (lm.next - 1 - i + lm.maxLogs) % lm.maxLogs
		out = append(out, lm.logs[idx])
	}
	return out
}

// GetLogs 分页查询，返回本页日志和过滤后的总数
func (lm *LogManager) GetLogs(filter LogFilter) ([]LogEntry, int) {
	lm.mu.RLock()
	all := lm.snapshot()
	lm.mu.RUnlock()

	if filter.Level != "" || filter.AttemptID != "" {
		filtered := make([]LogEntry, 0, len(all))
		for _, e := range all {
			if filter.Level != "" && e.Level != filter.Level {
				continue
			}
			if filter.AttemptID != "" && fmt.Sprint(e.Fields["attempt_id"]) != filter.AttemptID {
				continue
			}
			filtered = append(filtered, e)
		}
		all = filtered
	}

	total := len(all)
	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}

// Len 当前缓冲的日志条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if lm.full {
		return lm.maxLogs
	}
	return lm.next
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, lm.maxLogs)
	lm.next = 0
	lm.full = false
}

// LogHook 把 logrus 日志写入 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
