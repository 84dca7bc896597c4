// Package metrics 验证流程的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"relayverify/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayverify"

// Metrics 指标集合，使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	attempts          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	errors            *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	attemptDuration   prometheus.Histogram
	submissionStates  *prometheus.CounterVec
	inFlight          prometheus.Gauge
	lastVerifiedBlock prometheus.Gauge
	proofBytes        prometheus.Histogram
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "验证流程结束次数，按结果分类",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "重试次数，按触发重试的错误类型分类",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "失败的验证流程，按错误类型和步骤分类",
		}, []string{"kind", "step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "证明组装各步骤耗时",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"step"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "单个验证流程总耗时（含重试和等待回执）",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		submissionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_states_total",
			Help:      "提交状态机到达各状态的次数",
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verifications_in_flight",
			Help:      "正在执行的验证流程数",
		}),
		lastVerifiedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_verified_relay_block",
			Help:      "最近一次确认成功的中继链区块号",
		}),
		proofBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_size_bytes",
			Help:      "读证明总字节数",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.retries,
		m.errors,
		m.stepDuration,
		m.attemptDuration,
		m.submissionStates,
		m.inFlight,
		m.lastVerifiedBlock,
		m.proofBytes,
	)
	return m
}

// Registry 指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Started 验证流程开始
func (m *Metrics) Started() {
	m.inFlight.Inc()
}

// ObserveResult 验证流程结束
func (m *Metrics) ObserveResult(r *models.VerificationResult) {
	m.inFlight.Dec()
	m.attempts.WithLabelValues(string(r.Status)).Inc()
	m.attemptDuration.Observe(r.Duration.Seconds())

	if r.Status == models.ResultConfirmed && r.Block != nil {
		m.lastVerifiedBlock.Set(float64(r.Block.Number))
	}
	if r.ErrorKind != "" {
		m.errors.WithLabelValues(r.ErrorKind, r.FailedStep).Inc()
	}
}

// ObserveRetry 记录一次重试
func (m *Metrics) ObserveRetry(kind string) {
	m.retries.WithLabelValues(kind).Inc()
}

// ObserveStep 记录组装步骤耗时
func (m *Metrics) ObserveStep(step string, elapsed time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

// ObserveState 记录提交状态
func (m *Metrics) ObserveState(state models.SubmissionState) {
	m.submissionStates.WithLabelValues(string(state)).Inc()
}

// ObserveProof 记录证明大小
func (m *Metrics) ObserveProof(triple *models.ProofTriple) {
	m.proofBytes.Observe(float64(triple.Proof.Size()))
}
