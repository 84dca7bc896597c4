package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"relayverify/internal/config"
	"relayverify/internal/errors"
	"relayverify/internal/store"
	"relayverify/internal/workflow"
	"relayverify/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NodeStats 提供执行链节点状态，connection.ConnectionPool 实现了该接口
type NodeStats interface {
	GetStats() map[string]interface{}
}

// VerifyRequest 验证请求
type VerifyRequest struct {
	Query   string   `json:"query"`
	Queries []string `json:"queries"`
	Workers int      `json:"workers"`
	Async   bool     `json:"async"`
}

// Server API服务器
type Server struct {
	controller *workflow.Controller
	config     *config.Config
	store      *store.Store
	nodes      NodeStats
	metrics    http.Handler
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	startTime  time.Time

	// 异步验证任务使用服务级上下文，客户端断开不会中断已开始的提交
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	mu       sync.RWMutex
	inFlight int
}

// NewServer 创建API服务器，并把 logger 的输出接入日志缓冲
func NewServer(cfg *config.Config, controller *workflow.Controller, logger *logrus.Logger) *Server {
	maxLogs := 1000
	if cfg != nil && cfg.API != nil && cfg.API.MaxLogs > 0 {
		maxLogs = cfg.API.MaxLogs
	}
	logManager := NewLogManager(maxLogs)
	logger.AddHook(NewLogHook(logManager))

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		controller: controller,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetStore 设置尝试历史
func (s *Server) SetStore(st *store.Store) {
	s.store = st
}

// SetNodeStats 设置节点状态来源
func (s *Server) SetNodeStats(n NodeStats) {
	s.nodes = n
}

// SetMetricsHandler 设置 /metrics 处理器
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到 Stop
func (s *Server) Start() error {
	host, port := "", 8080
	if s.config != nil && s.config.API != nil {
		host = s.config.API.Host
		if s.config.API.Port > 0 {
			port = s.config.API.Port
		}
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止接受请求
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Drain 取消并等待异步验证任务，之后的验证请求返回 503
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待验证任务结束超时: %w", ctx.Err())
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := router.Group("/api/v1")
	{
		// 验证
		api.POST("/verify", s.verify)

		// 尝试历史
		api.GET("/attempts", s.listAttempts)
		api.GET("/attempts/:id", s.getAttempt)

		// 统计和配置
		api.GET("/stats", s.getStats)
		api.GET("/config", s.getConfig)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 节点状态
		api.GET("/nodes", s.getNodes)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "relayverify-api",
	})
}

// begin 登记验证任务。与 Drain 持同一把锁，Drain 返回后不会再有新任务加入
func (s *Server) begin(queries int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.tasks.Add(1)
	s.inFlight += queries
	return true
}

func (s *Server) inFlightCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Server) finish(queries int) {
	s.mu.Lock()
	s.inFlight -= queries
	s.mu.Unlock()
	s.tasks.Done()
}

// verify 执行验证，async=true 时立即返回 202
func (s *Server) verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}

	queries := req.Queries
	if req.Query != "" {
		queries = append([]string{req.Query}, queries...)
	}
	if len(queries) == 0 && s.config != nil && s.config.Workflow != nil {
		queries = s.config.Workflow.Queries
	}
	if len(queries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未指定查询"})
		return
	}
	if !s.begin(len(queries)) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "服务正在停止"})
		return
	}

	run := func() *models.BatchResult {
		defer s.finish(len(queries))
		return s.controller.RunAll(s.ctx, queries, req.Workers)
	}

	if req.Async {
		go run()
		c.JSON(http.StatusAccepted, gin.H{
			"message": "验证任务已启动",
			"queries": queries,
		})
		return
	}

	batch := run()
	status := http.StatusOK
	if batch.Confirmed < batch.Total {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, batch)
}

// listAttempts 查询尝试历史
func (s *Server) listAttempts(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用尝试历史"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.store.ListResults(store.Filter{
		Status: models.ResultStatus(c.Query("status")),
		Query:  c.Query("query"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询历史失败", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": results,
		"total":    len(results),
	})
}

// getAttempt 按ID查询
func (s *Server) getAttempt(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用尝试历史"})
		return
	}

	result, err := s.store.GetResult(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	inFlight := s.inFlightCount()

	stats := gin.H{
		"uptime":    time.Since(s.startTime).String(),
		"in_flight": inFlight,
	}
	if s.controller != nil {
		errStats := s.controller.ErrorHandler().GetStats()
		stats["errors"] = gin.H{
			"total":           errStats.TotalErrors,
			"by_type":         errStats.ErrorsByType,
			"by_step":         errStats.ErrorsByStep,
			"by_severity":     errStats.ErrorsBySeverity,
			"last_error_time": errStats.LastErrorTime,
		}
	}
	if s.store != nil {
		stats["history"] = s.store.GetStats()
	}

	c.JSON(http.StatusOK, stats)
}

// getConfig 获取当前配置和生效的重试策略，账户私钥不会被序列化
func (s *Server) getConfig(c *gin.Context) {
	resp := gin.H{"config": s.config}
	if s.controller != nil {
		resp["retry"] = s.controller.RetryConfig()
	}
	c.JSON(http.StatusOK, resp)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	filter := LogFilter{
		Level:     c.Query("level"),
		AttemptID: c.Query("attempt_id"),
		Page:      1,
		PageSize:  20,
	}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		filter.PageSize = ps
	}

	logs, total := s.logManager.GetLogs(filter)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
		"level":    filter.Level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getNodes 获取节点状态，未接入连接池时只返回配置
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes != nil {
		stats := s.nodes.GetStats()
		c.JSON(http.StatusOK, gin.H{
			"nodes": stats,
			"total": len(stats),
		})
		return
	}

	if s.config == nil || s.config.Execution == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "执行链配置未加载"})
		return
	}

	nodes := make([]gin.H, 0, len(s.config.Execution.Nodes))
	for _, node := range s.config.Execution.Nodes {
		nodes = append(nodes, gin.H{
			"name":     node.Name,
			"priority": node.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}
