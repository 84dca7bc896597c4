// Package app 按配置组装中继链客户端、执行链客户端、证明组装、提交和流程控制
package app

import (
	"context"
	"fmt"
	"math/big"

	"relayverify/internal/config"
	"relayverify/internal/connection"
	"relayverify/internal/decoder"
	"relayverify/internal/execution"
	"relayverify/internal/logging"
	"relayverify/internal/metrics"
	"relayverify/internal/output"
	"relayverify/internal/proof"
	"relayverify/internal/relay"
	"relayverify/internal/shutdown"
	"relayverify/internal/store"
	"relayverify/internal/submit"
	"relayverify/internal/validation"
	"relayverify/internal/workflow"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Options 组装选项
type Options struct {
	// ReadOnly 只连接节点和组装证明，不加载账户也不创建提交流程
	ReadOnly bool
}

// Stack 组装好的组件，Close 或 RegisterShutdown 负责释放
type Stack struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Relay      *relay.Client
	Pool       *connection.ConnectionPool
	Execution  *execution.Client
	Assembler  *proof.Assembler
	Submitter  *submit.Submitter
	Controller *workflow.Controller
	Store      *store.Store
	Output     output.Output
	Metrics    *metrics.Metrics
	Audit      *logging.StructuredLogger
}

// New 连接节点并组装组件，失败时释放已创建的资源
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*Stack, error) {
	if err := cfg.RequireNodes(); err != nil {
		return nil, err
	}

	s := &Stack{Config: cfg, Logger: logger}
	if err := s.build(ctx, opts); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			logger.Warnf("释放资源失败: %v", closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Stack) build(ctx context.Context, opts Options) error {
	cfg := s.Config
	var err error

	s.Relay, err = relay.Dial(ctx, relay.Config{
		URL:          cfg.Relay.URL,
		Timeout:      cfg.Relay.Timeout,
		KeyCacheSize: cfg.Relay.KeyCacheSize,
	}, s.Logger)
	if err != nil {
		return err
	}

	s.Pool = connection.NewConnectionPool(cfg.Execution.Nodes, connection.Options{
		MaxConnsPerNode:     cfg.Execution.MaxConnsPerNode,
		HealthCheckInterval: cfg.Execution.HealthCheckInterval,
	}, s.Logger)
	if err := s.Pool.Initialize(ctx); err != nil {
		return err
	}

	parsedABI, err := execution.LoadABI(cfg.Verifier.ABIPath)
	if err != nil {
		return err
	}
	var chainID *big.Int
	if cfg.Execution.ChainID > 0 {
		chainID = big.NewInt(cfg.Execution.ChainID)
	}
	s.Execution, err = execution.NewClient(s.Pool, execution.Config{
		Verifier:            cfg.VerifierAddress(),
		ABI:                 &parsedABI,
		GasMultiplier:       cfg.Execution.GasMultiplier,
		ChainID:             chainID,
		ReceiptPollInterval: cfg.Execution.ReceiptPollInterval,
		ReceiptTimeout:      cfg.Execution.ReceiptTimeout,
	}, s.Logger)
	if err != nil {
		return err
	}

	revertDecoder, err := decoder.NewRevertDecoder(s.Logger, cfg.Decoder, &parsedABI)
	if err != nil {
		s.Logger.Warnf("初始化回滚原因解码器失败: %v，将只输出原始回滚数据", err)
	} else {
		s.Execution.SetRevertDecoder(revertDecoder)
	}

	s.Assembler = proof.NewAssembler(s.Relay, s.Execution, s.Logger)
	s.Metrics = metrics.New()
	if opts.ReadOnly {
		return nil
	}

	account, err := execution.LoadAccount(cfg.Account.PrivateKey)
	if err != nil {
		return err
	}
	s.Logger.Infof("使用账户 %s", account.Address().Hex())

	s.Submitter = submit.NewSubmitter(s.Execution, execution.NewNonceManager(s.Pool),
		validation.NewValidator(s.Logger, cfg.Workflow.StrictValidation), s.Logger,
		submit.Options{DryRun: cfg.Workflow.DryRun})

	s.Controller, err = workflow.NewController(s.Assembler, s.Submitter, account,
		workflow.OptionsFromConfig(cfg.Workflow), s.Logger)
	if err != nil {
		return err
	}
	s.Controller.SetMetrics(s.Metrics)

	s.Output, err = output.NewOutput(cfg.Output, s.Logger)
	if err != nil {
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	s.Controller.SetOutput(s.Output)

	if cfg.Store.Enabled {
		s.Store, err = store.NewStore(cfg.Store.Path, s.Logger)
		if err != nil {
			return err
		}
		s.Controller.SetStore(s.Store)
	}

	if cfg.Logging.AuditOutput != "" {
		s.Audit, err = logging.NewStructuredLogger(cfg.Logging.AuditOutput, cfg.Logging.Level)
		if err != nil {
			s.Logger.Warnf("初始化审计日志失败: %v，将不记录审计日志", err)
			s.Audit = nil
		} else {
			s.Controller.SetAuditLogger(s.Audit)
		}
	}
	return nil
}

// RegisterShutdown 把资源释放注册到停机管理器
func (s *Stack) RegisterShutdown(m *shutdown.Manager) {
	if s.Output != nil {
		m.Register("output", shutdown.OrderFlushOutputs, func(context.Context) error {
			return s.Output.Close()
		})
	}
	if s.Store != nil {
		m.Register("store", shutdown.OrderCloseStore, func(context.Context) error {
			return s.Store.Close()
		})
	}
	m.Register("nodes", shutdown.OrderCloseNodes, func(context.Context) error {
		return s.closeNodes()
	})
	if s.Audit != nil {
		m.Register("audit", shutdown.OrderCloseLoggers, func(context.Context) error {
			return s.Audit.Close()
		})
	}
}

func (s *Stack) closeNodes() error {
	if s.Relay != nil {
		s.Relay.Close()
	}
	if s.Pool != nil {
		return s.Pool.Close()
	}
	return nil
}

// Close 直接释放全部资源，用于不经过停机管理器的短命令
func (s *Stack) Close() error {
	var result *multierror.Error
	if s.Output != nil {
		if err := s.Output.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("output: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
	}
	if err := s.closeNodes(); err != nil {
		result = multierror.Append(result, fmt.Errorf("nodes: %w", err))
	}
	if s.Audit != nil {
		if err := s.Audit.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("audit: %w", err))
		}
	}
	return result.ErrorOrNil()
}
