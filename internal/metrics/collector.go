package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil Collector 的所有记录方法均为空操作。
type Collector struct {
	// 流程指标
	flowRunsTotal    *prometheus.CounterVec
	flowRunDuration  *prometheus.HistogramVec
	nodeResultsTotal *prometheus.CounterVec

	// 适配器指标
	adapterInvocationsTotal   *prometheus.CounterVec
	adapterInvocationDuration *prometheus.HistogramVec
	adapterTokensUsed         *prometheus.CounterVec
	readinessChecksTotal      *prometheus.CounterVec

	// 策略与台账指标
	regressionsTotal      *prometheus.CounterVec
	policyFallbacksTotal  *prometheus.CounterVec
	auditEventsDropped    prometheus.Counter
	versionConflictsTotal prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registerer
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建注册到 reg 的指标收集器
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.flowRunsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_runs_total",
			Help:      "Total number of flow runs by terminal status",
		},
		[]string{"flow", "status"},
	)

	c.flowRunDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_run_duration_seconds",
			Help:      "Flow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"flow"},
	)

	c.nodeResultsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_results_total",
			Help:      "Total number of node results by terminal status",
		},
		[]string{"backend", "status"},
	)

	c.adapterInvocationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_invocations_total",
			Help:      "Total number of backend adapter invocations",
		},
		[]string{"backend", "model", "outcome"},
	)

	c.adapterInvocationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_invocation_duration_seconds",
			Help:      "Backend adapter invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "model"},
	)

	c.adapterTokensUsed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_tokens_used_total",
			Help:      "Total number of tokens reported by backends",
		},
		[]string{"backend", "model", "type"},
	)

	c.readinessChecksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_checks_total",
			Help:      "Total number of readiness preflights by outcome",
		},
		[]string{"backend", "readiness"},
	)

	c.regressionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_regressions_total",
			Help:      "Total number of connectivity regressions detected",
		},
		[]string{"backend", "overridden"},
	)

	c.policyFallbacksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_fallbacks_total",
			Help:      "Total number of infra strategies that fell back to local",
		},
		[]string{"strategy"},
	)

	c.auditEventsDropped = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Total number of audit events dropped because the buffer was full",
		},
	)

	c.versionConflictsTotal = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_state_version_conflicts_total",
			Help:      "Total number of rejected stale shared-state writes",
		},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"driver"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"driver"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🔀 流程指标记录
// =============================================================================

// RecordFlowRun 记录流程运行
func (c *Collector) RecordFlowRun(flowID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.flowRunsTotal.WithLabelValues(flowID, status).Inc()
	c.flowRunDuration.WithLabelValues(flowID).Observe(duration.Seconds())
}

// RecordNodeResult 记录节点终态
func (c *Collector) RecordNodeResult(backend, status string) {
	if c == nil {
		return
	}
	c.nodeResultsTotal.WithLabelValues(backend, status).Inc()
}

// =============================================================================
// 🤖 适配器指标记录
// =============================================================================

// RecordInvocation 记录一次适配器调用，outcome 为 ok 或错误码
func (c *Collector) RecordInvocation(backend, model, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.adapterInvocationsTotal.WithLabelValues(backend, model, outcome).Inc()
	c.adapterInvocationDuration.WithLabelValues(backend, model).Observe(duration.Seconds())
	c.adapterTokensUsed.WithLabelValues(backend, model, "prompt").Add(float64(promptTokens))
	c.adapterTokensUsed.WithLabelValues(backend, model, "completion").Add(float64(completionTokens))
}

// RecordReadiness 记录就绪预检结果
func (c *Collector) RecordReadiness(backend, readiness string) {
	if c == nil {
		return
	}
	c.readinessChecksTotal.WithLabelValues(backend, readiness).Inc()
}

// =============================================================================
// 🛡️ 策略与台账指标记录
// =============================================================================

// RecordRegression 记录连通性回退
func (c *Collector) RecordRegression(backend string, overridden bool) {
	if c == nil {
		return
	}
	label := "false"
	if overridden {
		label = "true"
	}
	c.regressionsTotal.WithLabelValues(backend, label).Inc()
}

// RecordFallback 记录策略降级
func (c *Collector) RecordFallback(strategy string) {
	if c == nil {
		return
	}
	c.policyFallbacksTotal.WithLabelValues(strategy).Inc()
}

// RecordAuditDropped 记录被丢弃的审计事件
func (c *Collector) RecordAuditDropped() {
	if c == nil {
		return
	}
	c.auditEventsDropped.Inc()
}

// RecordVersionConflict 记录共享状态版本冲突
func (c *Collector) RecordVersionConflict() {
	if c == nil {
		return
	}
	c.versionConflictsTotal.Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(driver string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(driver).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(driver).Set(float64(idle))
}
