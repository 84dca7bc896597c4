package main

import (
	"flag"

	"relayverify/internal/api"
	"relayverify/internal/app"
	"relayverify/internal/config"
	"relayverify/internal/logging"
	"relayverify/internal/shutdown"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口（默认取配置）")
	dryRun     = flag.Bool("dry-run", false, "试运行模式，只估算gas不广播交易")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath, bootstrap)
	if err != nil {
		bootstrap.Fatalf("加载配置失败: %v", err)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}
	if *dryRun {
		cfg.Workflow.DryRun = true
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatalf("创建日志器失败: %v", err)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	mgr := shutdown.NewManager(shutdown.DefaultTimeout, logger)
	mgr.Listen()

	stack, err := app.New(mgr.Context(), cfg, logger, app.Options{})
	if err != nil {
		logger.Fatalf("初始化验证组件失败: %v", err)
	}
	stack.RegisterShutdown(mgr)

	// 创建API服务器
	server := api.NewServer(cfg, stack.Controller, logger)
	server.SetStore(stack.Store)
	server.SetNodeStats(stack.Pool)
	server.SetMetricsHandler(stack.Metrics.Handler())

	mgr.Register("api", shutdown.OrderStopAccepting, server.Stop)
	mgr.Register("verifications", shutdown.OrderDrainWorkflows, server.Drain)

	// 启动服务器
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			mgr.Shutdown()
		}
	}()

	// 等待停机信号
	<-mgr.Done()
	if err := mgr.Shutdown(); err != nil {
		logger.Errorf("关闭服务器时出现错误: %v", err)
	}
	logger.Info("服务器已关闭")
}
