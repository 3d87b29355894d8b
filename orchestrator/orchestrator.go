package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/eventbus"
	"github.com/WenQiao97/taskmesh/internal/metrics"
	"github.com/WenQiao97/taskmesh/types"
)

// Config 编排器配置
type Config struct {
	// MaxConcurrentTasks 顺序模式下同批并发任务上限
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`

	// DefaultTaskTimeout 任务未声明超时时的默认值
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout" json:"default_task_timeout"`

	// RetryBackoff 重试退避基准，每次翻倍
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// EmitLifecycleEvents 是否发布 agent.*/workflow.* 生命周期事件
	EmitLifecycleEvents bool `yaml:"emit_lifecycle_events" json:"emit_lifecycle_events"`

	// DegradedAgentTypes 并行模式下失败时降级为中性结果的尽力型任务类型
	DegradedAgentTypes []string `yaml:"degraded_agent_types" json:"degraded_agent_types"`

	// Source 事件信封的 source 字段
	Source string `yaml:"source" json:"source"`
}

// DefaultConfig 默认编排器配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  4,
		DefaultTaskTimeout:  60 * time.Second,
		RetryBackoff:        200 * time.Millisecond,
		EmitLifecycleEvents: true,
		Source:              "taskmesh/orchestrator",
	}
}

// Stats 跨运行累计指标，仅进程重启时清零。
type Stats struct {
	WorkflowsExecuted int64         `json:"workflows_executed"`
	TasksCompleted    int64         `json:"tasks_completed"`
	TotalTime         time.Duration `json:"total_time"`
	AvgTaskTime       time.Duration `json:"avg_task_time"`
}

// runHandle 单次运行的登记项，支持协作式取消。
type runHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Orchestrator 工作流编排器。
// 执行器注册表在构造时填充，运行期间只读；
// 所有共享登记状态（active/runningTasks/stats）由互斥锁保护。
type Orchestrator struct {
	config    Config
	logger    *zap.Logger
	bus       eventbus.EventBus
	collector *metrics.Collector
	authorize Authorizer
	executors map[string]Executor
	degraded  map[string]struct{}

	mu           sync.Mutex
	active       map[string]*runHandle
	runningTasks map[string]struct{}
	stats        Stats
	shutdown     bool
}

// Option 配置编排器
type Option func(*Orchestrator)

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventBus 设置生命周期事件总线
func WithEventBus(bus eventbus.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithAuthorizer 设置授权谓词
func WithAuthorizer(authorize Authorizer) Option {
	return func(o *Orchestrator) { o.authorize = authorize }
}

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithExecutor 注册能力执行器
func WithExecutor(agentType string, exec Executor) Option {
	return func(o *Orchestrator) { o.executors[agentType] = exec }
}

// WithExecutors 批量注册能力执行器
func WithExecutors(executors map[string]Executor) Option {
	return func(o *Orchestrator) {
		for agentType, exec := range executors {
			o.executors[agentType] = exec
		}
	}
}

// New 创建编排器
func New(config Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = defaults.DefaultTaskTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.Source == "" {
		config.Source = defaults.Source
	}

	o := &Orchestrator{
		config:       config,
		logger:       zap.NewNop(),
		executors:    make(map[string]Executor),
		degraded:     make(map[string]struct{}),
		active:       make(map[string]*runHandle),
		runningTasks: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	for _, agentType := range config.DegradedAgentTypes {
		o.degraded[agentType] = struct{}{}
	}
	return o
}

// ExecuteWorkflow 执行工作流并返回结构化结果。
// 任务级失败只出现在 Result.Errors；只有启动期违规
// （重复运行、停机中、结构非法）才以 error 拒绝。
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *Workflow) (*Result, error) {
	if wf == nil {
		return nil, types.NewError(types.ErrInvalidWorkflow, "workflow is nil")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancel}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		cancel()
		return nil, types.NewError(types.ErrShuttingDown, "orchestrator is shutting down")
	}
	if _, running := o.active[wf.ID]; running {
		o.mu.Unlock()
		cancel()
		return nil, types.NewErrorf(types.ErrAlreadyRunning, "workflow %s is already running", wf.ID)
	}
	o.active[wf.ID] = handle
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.active, wf.ID)
		o.mu.Unlock()
		cancel()
	}()

	start := time.Now()

	// 授权在任何任务启动之前判定，拒绝时无任何任务副作用。
	if o.authorize != nil {
		ok, err := o.authorize(ctx, wf)
		if err != nil || !ok {
			reason := "authorization denied"
			if err != nil {
				reason = err.Error()
			}
			o.logger.Warn("workflow unauthorized",
				zap.String("workflow_id", wf.ID),
				zap.String("reason", reason))
			o.emitWorkflowUnauthorized(wf, reason)
			result := &Result{
				WorkflowID: wf.ID,
				Status:     StatusFailed,
				Results:    map[string]any{},
				Errors:     map[string]string{ErrorKeyAuthz: reason},
				Metrics:    RunMetrics{TasksTotal: len(wf.Tasks), AgentsUsed: []string{}},
				Timestamp:  time.Now().UTC(),
			}
			return result, nil
		}
	}

	o.logger.Info("starting workflow",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Bool("parallel", wf.Parallel),
		zap.Int("tasks", len(wf.Tasks)))
	o.emitWorkflowStarted(wf)

	wctx := rctx
	if wf.Timeout > 0 {
		var wcancel context.CancelFunc
		wctx, wcancel = context.WithTimeout(rctx, wf.Timeout)
		defer wcancel()
	}

	var results map[string]any
	var errs map[string]string
	if wf.Parallel {
		results, errs = o.runParallel(wctx, wf)
	} else {
		results, errs = o.runSequential(wctx, wf)
	}

	status := StatusCompleted
	switch {
	case handle.cancelled.Load():
		status = StatusCancelled
	case wf.Timeout > 0 && errors.Is(wctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		errs[ErrorKeyWorkflow] = types.NewErrorf(types.ErrWorkflowTimeout,
			"workflow %s exceeded %v", wf.ID, wf.Timeout).Error()
	case len(errs) > 0:
		status = StatusFailed
	}

	elapsed := time.Since(start)
	result := &Result{
		WorkflowID: wf.ID,
		Status:     status,
		Results:    results,
		Errors:     errs,
		Metrics: RunMetrics{
			TotalTime:      elapsed,
			TasksCompleted: len(results),
			TasksTotal:     len(wf.Tasks),
			AgentsUsed:     agentsUsed(wf, results),
		},
		Timestamp: time.Now().UTC(),
	}

	o.mu.Lock()
	o.stats.WorkflowsExecuted++
	o.stats.TotalTime += elapsed
	o.mu.Unlock()

	if o.collector != nil {
		o.collector.RecordWorkflow(string(status), elapsed)
	}
	o.emitWorkflowCompleted(result)

	o.logger.Info("workflow finished",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(status)),
		zap.Int("tasks_completed", result.Metrics.TasksCompleted),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// CancelWorkflow 协作式取消：发布 workflow.cancelled 并通知运行上下文，
// 已派发的执行器调用不会被强制中断。
func (o *Orchestrator) CancelWorkflow(workflowID string) bool {
	o.mu.Lock()
	handle, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	handle.cancelled.Store(true)
	handle.cancel()
	o.emitWorkflowCancelled(workflowID)
	o.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	return true
}

// GetWorkflowStatus 报告工作流是否有在途运行。
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[workflowID]; ok {
		return "running", true
	}
	return "", false
}

// RunningTasks 返回当前在途任务 ID 快照。
func (o *Orchestrator) RunningTasks() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runningTasks))
	for id := range o.runningTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AvailableAgents 返回已注册的执行器类型。
func (o *Orchestrator) AvailableAgents() []string {
	agents := make([]string, 0, len(o.executors))
	for agentType := range o.executors {
		agents = append(agents, agentType)
	}
	sort.Strings(agents)
	return agents
}

// Metrics 返回累计指标快照。
func (o *Orchestrator) Metrics() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Shutdown 停止接受新工作流并等待在途运行结束或 ctx 超时。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		remaining := len(o.active)
		o.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.NewErrorf(types.ErrShuttingDown,
				"shutdown timed out with %d workflows in flight", remaining).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// markTaskRunning / markTaskDone 维护在途任务登记。
func (o *Orchestrator) markTaskRunning(taskID string) {
	o.mu.Lock()
	o.runningTasks[taskID] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) markTaskDone(taskID string, duration time.Duration, succeeded bool) {
	o.mu.Lock()
	delete(o.runningTasks, taskID)
	if succeeded {
		o.stats.TasksCompleted++
		// 累计移动平均
		n := o.stats.TasksCompleted
		o.stats.AvgTaskTime += (duration - o.stats.AvgTaskTime) / time.Duration(n)
	}
	o.mu.Unlock()
}

// agentsUsed 返回产生结果的任务所用的执行器类型（去重、有序）。
func agentsUsed(wf *Workflow, results map[string]any) []string {
	seen := make(map[string]struct{})
	for _, t := range wf.Tasks {
		if _, ok := results[t.ID]; ok {
			seen[t.AgentType] = struct{}{}
		}
	}
	agents := make([]string, 0, len(seen))
	for agentType := range seen {
		agents = append(agents, agentType)
	}
	sort.Strings(agents)
	return agents
}
