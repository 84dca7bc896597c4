// Package shutdown 进程停机：收到信号后先取消进行中的验证流程，再按顺序释放资源
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout 停机处理的总超时
const DefaultTimeout = 30 * time.Second

// 停机顺序，数字越小越早执行
const (
	OrderStopAccepting  = 10 // 停止接受新的验证请求（HTTP 服务）
	OrderDrainWorkflows = 20 // 等待进行中的流程结束
	OrderFlushOutputs   = 30 // 刷新文件/Kafka 输出
	OrderCloseStore     = 40 // 关闭尝试历史
	OrderCloseNodes     = 50 // 关闭 RPC 连接
	OrderCloseLoggers   = 60 // 关闭审计日志
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// Manager 停机管理器
//
// Context() 在收到信号或手动触发时被取消，验证流程据此停止签名和广播；
// 之后按 Order 依次执行已注册的处理函数。
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu           sync.Mutex
	hooks        []Hook
	shuttingDown bool
	done         chan struct{}
	err          error

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan os.Signal
}

// NewManager 创建停机管理器，timeout <= 0 时使用默认值
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan os.Signal, 1),
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Order: order, Func: fn})
	m.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// Context 进程级上下文
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Listen 监听 SIGINT/SIGTERM/SIGQUIT，收到后触发停机
func (m *Manager) Listen() {
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-m.signals:
			m.logger.Infof("收到停机信号: %v", sig)
			m.Shutdown()
		case <-m.done:
		}
	}()
}

// Shutdown 触发停机，多次调用只执行一次，返回各处理函数的错误汇总
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.shuttingDown = true
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info("开始停机，取消进行中的验证流程")
	m.cancel()
	signal.Stop(m.signals)

	m.err = m.runHooks(hooks)
	close(m.done)
	return m.err
}

func (m *Manager) runHooks(hooks []Hook) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var result *multierror.Error
	for _, h := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过 '%s'", h.Name)
			result = multierror.Append(result, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := h.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	if result != nil {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(result.Errors))
	} else {
		m.logger.Info("停机完成")
	}
	return result.ErrorOrNil()
}

// Done 停机处理全部执行完毕后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// IsShuttingDown 是否已开始停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Hooks 已注册的处理函数名，按执行顺序
func (m *Manager) Hooks() []string {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
