// Package workflow 验证流程控制：解析键、组装证明、提交并在可重试错误上有限次重试
package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"relayverify/internal/config"
	"relayverify/internal/errors"
	"relayverify/internal/execution"
	"relayverify/internal/logging"
	"relayverify/internal/metrics"
	"relayverify/internal/output"
	"relayverify/internal/proof"
	"relayverify/internal/relay"
	"relayverify/internal/retry"
	"relayverify/internal/store"
	"relayverify/internal/submit"
	"relayverify/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 控制器常量
const (
	DefaultWorkers       = 4
	DefaultMaxAttempts   = 3
	DefaultWatchInterval = 30 * time.Second
	MaxWorkers           = 64
)

// Options 控制器选项
type Options struct {
	MaxAttempts      int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	AttemptTimeout   time.Duration // 单个流程的总超时，0 表示不限制
	Workers          int
}

// OptionsFromConfig 从工作流配置构建选项
func OptionsFromConfig(cfg *config.WorkflowConfig) Options {
	return Options{
		MaxAttempts:      cfg.MaxAttempts,
		RetryInterval:    cfg.RetryInterval,
		MaxRetryInterval: cfg.MaxRetryInterval,
		AttemptTimeout:   cfg.AttemptTimeout,
		Workers:          cfg.Workers,
	}
}

// Controller 验证流程控制器
//
// 多个流程并发执行时只共享执行链客户端和 nonce 管理器，
// 每个流程各自组装证明三元组，互不复用。
type Controller struct {
	assembler *proof.Assembler
	submitter *submit.Submitter
	account   *execution.Account
	retrier   *retry.Retrier
	opts      Options
	logger    *logrus.Logger

	store        *store.Store
	outputter    output.Output
	metrics      *metrics.Metrics
	errorHandler *errors.ErrorHandler
	audit        *logging.StructuredLogger

	seq atomic.Uint64
}

// NewController 创建控制器
func NewController(assembler *proof.Assembler, submitter *submit.Submitter, account *execution.Account,
	opts Options, logger *logrus.Logger) (*Controller, error) {
	if assembler == nil || submitter == nil {
		return nil, errors.NewConfigError("组装器和提交器不能为空", nil)
	}
	if account == nil {
		return nil, errors.NewConfigError("未配置账户", nil)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}

	retryConfig := *retry.DefaultRetryConfig
	retryConfig.MaxAttempts = opts.MaxAttempts
	if opts.RetryInterval > 0 {
		retryConfig.InitialInterval = opts.RetryInterval
	}
	if opts.MaxRetryInterval > 0 {
		retryConfig.MaxInterval = opts.MaxRetryInterval
	}

	c := &Controller{
		assembler:    assembler,
		submitter:    submitter,
		account:      account,
		retrier:      retry.NewRetrier(&retryConfig, logger),
		opts:         opts,
		logger:       logger,
		errorHandler: errors.NewErrorHandler(logger),
	}
	c.retrier.OnRetry(c.onRetry)
	return c, nil
}

// SetStore 设置尝试历史存储
func (c *Controller) SetStore(s *store.Store) {
	c.store = s
}

// SetOutput 设置结果输出
func (c *Controller) SetOutput(out output.Output) {
	c.outputter = out
}

// SetMetrics 设置指标并挂接组装和提交的状态回调
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	if m == nil {
		return
	}
	c.assembler.OnTransition(func(_, to proof.State, elapsed time.Duration) {
		m.ObserveStep(to.String(), elapsed)
	})
	c.submitter.OnState(m.ObserveState)
}

// SetErrorHandler 替换错误处理器
func (c *Controller) SetErrorHandler(h *errors.ErrorHandler) {
	if h != nil {
		c.errorHandler = h
	}
}

// SetAuditLogger 设置结构化审计日志
func (c *Controller) SetAuditLogger(l *logging.StructuredLogger) {
	c.audit = l
}

// ErrorHandler 返回错误处理器
func (c *Controller) ErrorHandler() *errors.ErrorHandler {
	return c.errorHandler
}

// Options 返回生效的选项
func (c *Controller) Options() Options {
	return c.opts
}

// RetryConfig 返回生效的重试配置副本
func (c *Controller) RetryConfig() retry.RetryConfig {
	return *c.retrier.GetConfig()
}

func (c *Controller) onRetry(attempt int, err error, delay time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveRetry(errors.KindOf(err).String())
	}
}

// nextAttemptID 生成进程内唯一的尝试ID
func (c *Controller) nextAttemptID() string {
	return fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102T150405"), c.seq.Add(1))
}

// Run 执行一次完整的验证流程，结果从不为 nil
//
// 存储键只解析一次，解析失败直接结束；之后每次尝试都从读取合约最新区块开始
// 重新组装证明。回滚和广播后的网络失败是终态，不会重新提交。
func (c *Controller) Run(ctx context.Context, query string) *models.VerificationResult {
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}

	result := &models.VerificationResult{
		AttemptID: c.nextAttemptID(),
		Query:     query,
		Account:   c.account.Address().Hex(),
		StartTime: time.Now(),
	}
	if c.metrics != nil {
		c.metrics.Started()
	}

	var audit *logging.FieldLogger
	if c.audit != nil {
		audit = logging.NewAttemptLogger(c.audit, result.AttemptID, query)
		audit.Info("验证流程开始")
	}

	err := c.run(ctx, result, audit)
	c.finish(ctx, result, err, audit)
	return result
}

func (c *Controller) run(ctx context.Context, result *models.VerificationResult, audit *logging.FieldLogger) error {
	q, err := relay.ParseQuery(result.Query)
	if err != nil {
		return errors.NewResolutionError("解析查询失败", err).WithComponent("workflow")
	}
	key, err := c.assembler.ResolveKey(ctx, q)
	if err != nil {
		return err
	}
	result.Key = key

	// 证明不可用的区块不会再被使用，之后的尝试只接受更新的区块
	var minBlock uint32
	return c.retrier.Execute(ctx, result.Query, func(attempt int) error {
		result.Attempts = attempt
		err := c.attempt(ctx, result, key, minBlock, audit)
		if ve, ok := errors.AsVerifyError(err); ok && ve.Type == errors.ErrorTypeProofUnavailable &&
			ve.BlockNumber != nil && uint32(*ve.BlockNumber) >= minBlock {
			minBlock = uint32(*ve.BlockNumber) + 1
		}
		return err
	})
}

// attempt 单次尝试：组装 -> 提交 -> 等待回执
func (c *Controller) attempt(ctx context.Context, result *models.VerificationResult, key models.StorageKey,
	minBlock uint32, audit *logging.FieldLogger) error {
	result.State = ""
	result.Call = nil
	result.TxHash = ""
	result.RevertReason = ""
	result.GasUsed = 0
	result.ReceiptBlock = 0

	triple, err := c.assembler.AssembleAbove(ctx, key, minBlock)
	if err != nil {
		return err
	}
	block := triple.Block
	result.Block = &block

	if c.metrics != nil {
		c.metrics.ObserveProof(triple)
	}
	if c.outputter != nil {
		if err := c.outputter.WriteProof(models.NewProofRecord(result.AttemptID, result.Query, triple)); err != nil {
			c.logger.Warnf("写入证明记录失败: %v", err)
		}
	}
	if audit != nil {
		audit.Info("证明已组装",
			"attempt", result.Attempts,
			"relay_block", triple.Block.Number,
			"block_hash", triple.Block.Hash.Hex(),
			"proof_nodes", len(triple.Proof.Nodes))
	}

	submitted, err := c.submitter.Submit(ctx, triple, c.account)
	result.State = submitted.State
	result.Call = submitted.Call
	if err != nil {
		return err
	}
	if c.submitter.DryRun() {
		return nil
	}

	result.TxHash = submitted.Submission.Hash().Hex()
	if audit != nil {
		logging.NewSubmissionLogger(c.audit, result.AttemptID, triple.Block.Number, result.TxHash).
			Info("验证交易已广播", "nonce", submitted.Call.Nonce, "gas", submitted.Call.Gas)
	}

	outcome := c.submitter.Wait(ctx, submitted)
	result.State = outcome.State
	if outcome.Receipt != nil {
		result.GasUsed = outcome.Receipt.GasUsed
		if outcome.Receipt.BlockNumber != nil {
			result.ReceiptBlock = outcome.Receipt.BlockNumber.Uint64()
		}
	}
	if outcome.State == models.StateConfirmed {
		return nil
	}
	result.RevertReason = outcome.RevertReason
	return outcome.Err
}

// finish 填充结果并分发到存储、输出、指标和错误处理器
func (c *Controller) finish(ctx context.Context, result *models.VerificationResult, err error, audit *logging.FieldLogger) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	switch {
	case err == nil && c.submitter.DryRun():
		result.Status = models.ResultDryRun
	case err == nil:
		result.Status = models.ResultConfirmed
	case result.State == models.StateReverted:
		result.Status = models.ResultReverted
	default:
		result.Status = models.ResultFailed
	}

	fields := logrus.Fields{
		"attempt_id": result.AttemptID,
		"query":      result.Query,
		"status":     result.Status,
		"attempts":   result.Attempts,
		"duration":   result.Duration,
	}
	if result.Block != nil {
		fields["relay_block"] = result.Block.Number
	}
	if result.TxHash != "" {
		fields["tx_hash"] = result.TxHash
	}

	if err != nil {
		ve := c.errorHandler.HandleError(ctx, err)
		result.Error = err.Error()
		result.ErrorKind = ve.Type.String()
		result.FailedStep = string(ve.Step)
		if result.RevertReason == "" {
			result.RevertReason = errors.RevertReason(err)
		}
		fields["step"] = result.FailedStep
		fields["kind"] = result.ErrorKind
		c.logger.WithFields(fields).WithError(err).Error("验证流程失败")
	} else {
		c.logger.WithFields(fields).Info("验证流程完成")
	}

	if c.store != nil {
		if err := c.store.SaveResult(result); err != nil {
			c.logger.Warnf("保存验证结果失败: %v", err)
		}
	}
	if c.outputter != nil {
		if err := c.outputter.WriteResult(result); err != nil {
			c.logger.Warnf("写入验证结果失败: %v", err)
		}
	}
	if c.metrics != nil {
		c.metrics.ObserveResult(result)
	}
	if audit != nil {
		if err != nil {
			audit.Error("验证流程失败",
				"status", string(result.Status),
				"step", result.FailedStep,
				"kind", result.ErrorKind,
				"error", result.Error)
		} else {
			audit.Info("验证流程完成",
				"status", string(result.Status),
				"tx_hash", result.TxHash,
				"attempts", result.Attempts)
		}
	}
}

// RunAll 并发执行多个相互独立的验证流程，workers <= 0 时使用配置的并发数
func (c *Controller) RunAll(ctx context.Context, queries []string, workers int) *models.BatchResult {
	if workers <= 0 {
		workers = c.opts.Workers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	batch := &models.BatchResult{StartTime: time.Now()}
	results := make([]*models.VerificationResult, len(queries))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, query := range queries {
		g.Go(func() error {
			results[i] = c.Run(ctx, query)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		batch.Add(r)
	}
	batch.Duration = time.Since(batch.StartTime)

	c.logger.WithFields(logrus.Fields{
		"total":     batch.Total,
		"confirmed": batch.Confirmed,
		"reverted":  batch.Reverted,
		"failed":    batch.Failed,
		"duration":  batch.Duration,
	}).Info("批量验证完成")
	return batch
}

// Watch 按固定间隔重复执行批量验证，直到 ctx 取消
func (c *Controller) Watch(ctx context.Context, queries []string, interval time.Duration,
	onBatch func(*models.BatchResult)) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	c.logger.Infof("开始持续验证，间隔 %v，查询 %d 个", interval, len(queries))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		batch := c.RunAll(ctx, queries, 0)
		if onBatch != nil {
			onBatch(batch)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("持续验证已停止")
			return nil
		case <-ticker.C:
		}
	}
}
