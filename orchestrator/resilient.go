package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/breaker"
	"github.com/WenQiao97/taskmesh/eventbus"
	"github.com/WenQiao97/taskmesh/internal/metrics"
	"github.com/WenQiao97/taskmesh/types"
)

// ResilientExecutor 用熔断器包装能力执行器：连续失败达到阈值后
// 快速拒绝，避免反复调用已经不可用的能力。拒绝时发布
// provider.fallback 事件，调度层照常按任务失败处理。
type ResilientExecutor struct {
	agentType string
	exec      Executor
	breaker   *breaker.Breaker[any]
	bus       eventbus.EventBus
	collector *metrics.Collector
	logger    *zap.Logger
	source    string
}

// ResilientOption 配置熔断包装器
type ResilientOption func(*ResilientExecutor)

// WithResilientLogger 设置日志器
func WithResilientLogger(logger *zap.Logger) ResilientOption {
	return func(re *ResilientExecutor) {
		if logger != nil {
			re.logger = logger
		}
	}
}

// WithResilientEventBus 设置 provider.fallback 事件总线
func WithResilientEventBus(bus eventbus.EventBus) ResilientOption {
	return func(re *ResilientExecutor) { re.bus = bus }
}

// WithResilientCollector 设置 Prometheus 指标收集器
func WithResilientCollector(c *metrics.Collector) ResilientOption {
	return func(re *ResilientExecutor) { re.collector = c }
}

// NewResilientExecutor 创建熔断包装器，每个能力类型一个独立熔断器。
func NewResilientExecutor(agentType string, exec Executor, cfg breaker.Config, opts ...ResilientOption) *ResilientExecutor {
	re := &ResilientExecutor{
		agentType: agentType,
		exec:      exec,
		logger:    zap.NewNop(),
		source:    "taskmesh/breaker",
	}
	for _, opt := range opts {
		opt(re)
	}
	re.breaker = breaker.New[any](agentType, cfg, re.logger)
	re.breaker.OnStateChange(func(from, to breaker.State) {
		if re.collector != nil {
			re.collector.RecordBreakerTransition(agentType, from.String(), to.String())
		}
	})
	return re
}

// Execute 通过熔断器驱动底层执行器。
func (re *ResilientExecutor) Execute(ctx context.Context, input any) (any, error) {
	out, err := re.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return re.exec.Execute(ctx, input)
	})
	if err != nil && types.IsCode(err, types.ErrCircuitOpen) {
		if re.collector != nil {
			re.collector.RecordBreakerRejection(re.agentType)
		}
		if re.bus != nil {
			re.bus.Publish(types.NewEnvelope(types.EventProviderFallback, re.source, map[string]any{
				"agentId": re.agentType,
				"state":   re.breaker.State().String(),
				"error":   err.Error(),
			}))
		}
	}
	return out, err
}

// Breaker 暴露底层熔断器供自省与手动 Reset。
func (re *ResilientExecutor) Breaker() *breaker.Breaker[any] {
	return re.breaker
}
