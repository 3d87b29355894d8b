// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	// 工作流指标
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	// 任务指标
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskRetries  *prometheus.CounterVec

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	// Outbox 指标
	outboxPersisted *prometheus.CounterVec
	outboxItemBytes prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflow executions",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of task executions",
		},
		[]string{"agent_type", "status"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_type"},
	)

	c.taskRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retry attempts",
		},
		[]string{"agent_type"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	c.breakerRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	c.outboxPersisted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Total number of outbox persistence attempts",
		},
		[]string{"event_type", "status"},
	)

	c.outboxItemBytes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_item_bytes",
			Help:      "Serialized size of persisted outbox records in bytes",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordWorkflow 记录工作流执行
func (c *Collector) RecordWorkflow(status string, duration time.Duration) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTask 记录任务执行
func (c *Collector) RecordTask(agentType, status string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(agentType, status).Inc()
	c.taskDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordTaskRetry 记录任务重试
func (c *Collector) RecordTaskRetry(agentType string) {
	c.taskRetries.WithLabelValues(agentType).Inc()
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(breaker, from, to string) {
	c.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordBreakerRejection 记录熔断器拒绝
func (c *Collector) RecordBreakerRejection(breaker string) {
	c.breakerRejections.WithLabelValues(breaker).Inc()
}

// RecordOutboxPersist 记录 outbox 持久化结果
func (c *Collector) RecordOutboxPersist(eventType, status string, bytes int) {
	c.outboxPersisted.WithLabelValues(eventType, status).Inc()
	if bytes > 0 {
		c.outboxItemBytes.Observe(float64(bytes))
	}
}
