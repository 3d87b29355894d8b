package orchestrator

import (
	"context"
	"time"

	"github.com/WenQiao97/taskmesh/types"
)

// 内置能力执行器类型键
const (
	AgentCodeAnalysis   = "code-analysis"
	AgentTestGeneration = "test-generation"
	AgentDocumentation  = "documentation"
	AgentSecurity       = "security"
)

// Sentinel keys in Result.Errors for run-level failures.
const (
	// ErrorKeyDependency 循环或缺失依赖
	ErrorKeyDependency = "dependency"
	// ErrorKeyWorkflow 工作流级超时
	ErrorKeyWorkflow = "workflow"
	// ErrorKeyAuthz 授权拒绝
	ErrorKeyAuthz = "authz"
)

// Task 是绑定到一个执行器类型的工作单元。
// 构建时创建，运行期间不可变。
type Task struct {
	// ID 在工作流内唯一
	ID string `json:"id" yaml:"id"`

	// AgentType 执行器注册表的键
	AgentType string `json:"agent_type" yaml:"agent_type"`

	// Input 不透明的任务载荷
	Input any `json:"input,omitempty" yaml:"input,omitempty"`

	// DependsOn 前置任务 ID 集合
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Timeout 单任务超时，0 使用默认值
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries 失败后的最大重试次数（指数退避）
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Priority 预留的调度优先级
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Workflow 是一组有序任务加执行模式。
// Parallel 为 true 时所有任务同时启动，DependsOn 被完全忽略。
type Workflow struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []Task        `json:"tasks" yaml:"tasks"`
	Parallel    bool          `json:"parallel" yaml:"parallel"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate 校验工作流结构：ID/Name 必填，任务 ID 唯一。
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return types.NewError(types.ErrInvalidWorkflow, "workflow id is required")
	}
	if w.Name == "" {
		return types.NewError(types.ErrInvalidWorkflow, "workflow name is required")
	}
	if len(w.Tasks) == 0 {
		return types.NewErrorf(types.ErrInvalidWorkflow, "workflow %s has no tasks", w.ID)
	}
	seen := make(map[string]struct{}, len(w.Tasks))
	for _, t := range w.Tasks {
		if t.ID == "" {
			return types.NewErrorf(types.ErrInvalidWorkflow, "workflow %s contains a task without id", w.ID)
		}
		if t.AgentType == "" {
			return types.NewErrorf(types.ErrInvalidWorkflow, "task %s has no agent type", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return types.NewErrorf(types.ErrInvalidWorkflow, "duplicate task id %s in workflow %s", t.ID, w.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// Status 工作流运行的最终状态
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// RunMetrics 单次运行的指标
type RunMetrics struct {
	TotalTime      time.Duration `json:"total_time_ms"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksTotal     int           `json:"tasks_total"`
	AgentsUsed     []string      `json:"agents_used"`
}

// Result 是一次工作流运行的结构化结果，返回后不可变。
// 任务级失败只记录在 Errors 中，不会作为 error 抛给调用方。
type Result struct {
	WorkflowID string            `json:"workflow_id"`
	Status     Status            `json:"status"`
	Results    map[string]any    `json:"results"`
	Errors     map[string]string `json:"errors,omitempty"`
	Metrics    RunMetrics        `json:"metrics"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Executor 是能力执行器的边界接口。错误以 error 返回值传播。
type Executor interface {
	Execute(ctx context.Context, input any) (any, error)
}

// ExecutorFunc 函数式执行器适配
type ExecutorFunc func(ctx context.Context, input any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input any) (any, error) {
	return f(ctx, input)
}

// Authorizer 工作流授权谓词。返回 false 时运行被拒绝且不产生任何任务副作用。
type Authorizer func(ctx context.Context, wf *Workflow) (bool, error)
