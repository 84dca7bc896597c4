package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relayverify/internal/app"
	"relayverify/internal/config"
	"relayverify/internal/logging"
	"relayverify/internal/relay"
	"relayverify/internal/shutdown"
	"relayverify/internal/store"
	"relayverify/pkg/models"
)

var (
	// 基础参数
	configFile string
	queries    []string
	workers    int
	verbose    bool
	dryRun     bool

	// 持续验证参数
	watch    bool
	interval time.Duration

	// 历史查询参数
	historyStatus string
	historyQuery  string
	historyLimit  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayverify [query...]",
		Short: "中继链存储证明验证工具",
		Long:  `读取中继链存储证明，提交到执行链验证合约并跟踪交易结果`,
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.Flags().StringArrayVar(&queries, "query", nil, "存储查询，如 System.Account(5Grw...)，可重复")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "并发验证数（默认取配置）")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "试运行模式，只估算gas不广播交易")
	rootCmd.Flags().BoolVar(&watch, "watch", false, "按固定间隔持续验证")
	rootCmd.Flags().DurationVar(&interval, "interval", 0, "持续验证间隔（默认 30s）")

	latestCmd := &cobra.Command{
		Use:   "latest",
		Short: "查看验证合约已知的最新中继链区块",
		RunE:  showLatest,
	}

	proofCmd := &cobra.Command{
		Use:   "proof <query>",
		Short: "只组装存储证明，不提交",
		Args:  cobra.ExactArgs(1),
		RunE:  showProof,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "查看验证历史",
		RunE:  showHistory,
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "按状态过滤 (confirmed, reverted, failed, dry_run)")
	historyCmd.Flags().StringVar(&historyQuery, "query", "", "按查询过滤")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "最多显示条数")

	rootCmd.AddCommand(latestCmd, proofCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并按配置创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(configFile, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// 命令行参数覆盖配置
	if dryRun {
		cfg.Workflow.DryRun = true
	}
	if workers > 0 {
		cfg.Workflow.Workers = workers
	}
	targets := append(append([]string{}, args...), queries...)
	if len(targets) == 0 {
		targets = cfg.Workflow.Queries
	}
	if len(targets) == 0 {
		return fmt.Errorf("未指定查询，使用 --query 或配置 workflow.queries")
	}

	// 启动优雅停机监听，连接建立期间收到信号同样会中止
	mgr := shutdown.NewManager(shutdown.DefaultTimeout, logger)
	mgr.Listen()
	ctx := mgr.Context()

	stack, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		mgr.Shutdown()
		return err
	}
	stack.RegisterShutdown(mgr)

	runDone := make(chan struct{})
	mgr.Register("workflow", shutdown.OrderDrainWorkflows, func(ctx context.Context) error {
		select {
		case <-runDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if cfg.Workflow.DryRun {
		logger.Info("试运行模式：只估算gas，不广播交易")
	}

	var runErr error
	if watch {
		runErr = runWatchMode(ctx, stack, targets, logger)
	} else {
		runErr = runOnce(ctx, stack, targets, logger)
	}
	close(runDone)

	// 等待优雅停机完成
	logger.Debug("等待优雅停机完成...")
	if err := mgr.Shutdown(); err != nil {
		logger.Warnf("停机时出现错误: %v", err)
	}
	return runErr
}

func runOnce(ctx context.Context, stack *app.Stack, targets []string, logger *logrus.Logger) error {
	logger.Infof("开始验证 %d 个查询", len(targets))

	batch := stack.Controller.RunAll(ctx, targets, stack.Config.Workflow.Workers)
	printBatch(batch)

	if batch.Confirmed < batch.Total {
		return fmt.Errorf("%d 个验证未成功", batch.Total-batch.Confirmed)
	}
	return nil
}

func runWatchMode(ctx context.Context, stack *app.Stack, targets []string, logger *logrus.Logger) error {
	logger.Infof("启动持续验证模式，查询数 %d", len(targets))

	return stack.Controller.Watch(ctx, targets, interval, printBatch)
}

// printBatch 输出批次汇总
func printBatch(batch *models.BatchResult) {
	fmt.Println("验证结果")
	fmt.Println(strings.Repeat("=", 50))
	for _, r := range batch.Results {
		line := fmt.Sprintf("%-10s %s", r.Status, r.Query)
		if r.Block != nil {
			line += fmt.Sprintf("  区块 %s", r.Block)
		}
		if r.TxHash != "" {
			line += fmt.Sprintf("  交易 %s", r.TxHash)
		}
		if r.Error != "" {
			line += fmt.Sprintf("  [%s/%s] %s", r.ErrorKind, r.FailedStep, r.Error)
		}
		fmt.Println(line)
	}
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("总数 %d  成功 %d  回滚 %d  失败 %d  耗时 %s\n",
		batch.Total, batch.Confirmed, batch.Reverted, batch.Failed, batch.Duration)
}

// showLatest 比较验证合约记录的区块和中继链最新区块
func showLatest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stack, err := app.New(ctx, cfg, logger, app.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer stack.Close()

	known, err := stack.Execution.LatestRelayBlockNumber(ctx)
	if err != nil {
		return err
	}
	head, err := stack.Relay.ChainHead(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-20s: %d\n", "验证合约最新区块", known)
	fmt.Printf("%-20s: %s\n", "中继链最新区块", head)
	if head.Number > known {
		fmt.Printf("%-20s: %d\n", "落后区块数", head.Number-known)
	}
	return nil
}

// showProof 组装存储证明并以 JSON 输出
func showProof(cmd *cobra.Command, args []string) error {
	q, err := relay.ParseQuery(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stack, err := app.New(ctx, cfg, logger, app.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer stack.Close()

	triple, err := stack.Assembler.Assemble(ctx, q)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(models.NewProofRecord("", args[0], triple), "", "  ")
	if err != nil {
		return fmt.Errorf("序列化证明失败: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// showHistory 显示验证进度和最近的尝试
func showHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.NewStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	progress := st.GetProgress()
	fmt.Println("验证进度信息")
	fmt.Println(strings.Repeat("=", 50))
	if progress.LastVerified != nil {
		fmt.Printf("%-20s: %s\n", "最后验证区块", progress.LastVerified)
	}
	fmt.Printf("%-20s: %d\n", "成功", progress.Totals.Confirmed)
	fmt.Printf("%-20s: %d\n", "回滚", progress.Totals.Reverted)
	fmt.Printf("%-20s: %d\n", "失败", progress.Totals.Failed)
	fmt.Printf("%-20s: %d\n", "试运行", progress.Totals.DryRun)

	results, err := st.ListResults(store.Filter{
		Status: models.ResultStatus(historyStatus),
		Query:  historyQuery,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("-", 50))
	for _, r := range results {
		fmt.Printf("%s  %-10s %s  %s\n", r.StartTime.Format(time.RFC3339), r.Status, r.AttemptID, r.Query)
	}
	return nil
}
