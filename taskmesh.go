// Package taskmesh provides a top-level convenience entry point for wiring
// the orchestration engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/WenQiao97/taskmesh"
//
//	engine, err := taskmesh.New(config.Default(),
//	    taskmesh.WithExecutor("code-analysis", myExecutor))
//	result, err := engine.Orchestrator.ExecuteWorkflow(ctx, wf)
//
// The engine owns an event bus, an outbox persisting lifecycle events into
// the configured memory store, and the orchestrator itself.
package taskmesh

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/WenQiao97/taskmesh/config"
	"github.com/WenQiao97/taskmesh/eventbus"
	"github.com/WenQiao97/taskmesh/internal/metrics"
	"github.com/WenQiao97/taskmesh/memory"
	"github.com/WenQiao97/taskmesh/orchestrator"
	"github.com/WenQiao97/taskmesh/outbox"
	"github.com/WenQiao97/taskmesh/types"
)

// Engine 将总线、出站箱、存储与编排器组装为一个可运行的整体。
type Engine struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *eventbus.Bus
	Outbox       *outbox.Outbox
	Store        types.MemoryStore

	logger *zap.Logger
}

type engineOptions struct {
	logger    *zap.Logger
	store     types.MemoryStore
	executors map[string]orchestrator.Executor
	authorize orchestrator.Authorizer
	resolver  outbox.Resolver
}

// Option 配置引擎
type Option func(*engineOptions)

// WithLogger 设置自定义日志器，默认按配置构建。
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithStore 覆盖配置选择的存储后端。
func WithStore(store types.MemoryStore) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithExecutor 注册能力执行器。
func WithExecutor(agentType string, exec orchestrator.Executor) Option {
	return func(o *engineOptions) { o.executors[agentType] = exec }
}

// WithAuthorizer 设置工作流授权谓词。
func WithAuthorizer(authorize orchestrator.Authorizer) Option {
	return func(o *engineOptions) { o.authorize = authorize }
}

// WithOutboxResolver 设置按事件类型的治理选项解析器。
func WithOutboxResolver(resolver outbox.Resolver) Option {
	return func(o *engineOptions) { o.resolver = resolver }
}

// New 按配置组装引擎。
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	options := engineOptions{
		executors: make(map[string]orchestrator.Executor),
	}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	store := options.store
	if store == nil {
		if cfg.Redis.Enabled {
			redisStore, err := memory.NewRedisStore(cfg.Redis.RedisConfig, logger)
			if err != nil {
				return nil, err
			}
			store = redisStore
		} else {
			store = memory.NewStore(logger)
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	bus := eventbus.New(logger)
	resolver := options.resolver
	if resolver == nil {
		resolver = outbox.StaticResolver(cfg.Outbox)
	}
	ob := outbox.Wire(bus, store, resolver, nil,
		outbox.WithLogger(logger),
		outbox.WithCollector(collector))

	// 每个能力类型套一个独立熔断器，失效能力快速拒绝而不是反复超时。
	executors := make(map[string]orchestrator.Executor, len(options.executors))
	for agentType, exec := range options.executors {
		executors[agentType] = orchestrator.NewResilientExecutor(agentType, exec, cfg.Breaker,
			orchestrator.WithResilientLogger(logger),
			orchestrator.WithResilientEventBus(bus),
			orchestrator.WithResilientCollector(collector))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithEventBus(bus),
		orchestrator.WithExecutors(executors),
	}
	if collector != nil {
		orchOpts = append(orchOpts, orchestrator.WithCollector(collector))
	}
	if options.authorize != nil {
		orchOpts = append(orchOpts, orchestrator.WithAuthorizer(options.authorize))
	}

	return &Engine{
		Orchestrator: orchestrator.New(cfg.Orchestrator, orchOpts...),
		Bus:          bus,
		Outbox:       ob,
		Store:        store,
		logger:       logger,
	}, nil
}

// Shutdown 排空在途工作流并停掉总线与出站箱。
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Orchestrator.Shutdown(ctx)
	e.Outbox.Close()
	e.Bus.Stop()
	_ = e.logger.Sync()
	return err
}

// buildLogger 按日志配置构建 zap 日志器
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
