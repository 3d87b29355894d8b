package orchestrator

import (
	"strings"
	"time"

	"github.com/WenQiao97/taskmesh/types"
)

// WorkflowBuilder 流式构建工作流
//
//	wf, err := orchestrator.NewWorkflowBuilder("release-check", "Release checks").
//	    Description("pre-release capability sweep").
//	    AddCodeAnalysis("analyze", input).
//	    AddTestGeneration("tests", input, "analyze").
//	    AddSecurity("security", input, "analyze").
//	    Timeout(5 * time.Minute).
//	    Build()
type WorkflowBuilder struct {
	wf       Workflow
	problems []string
}

// NewWorkflowBuilder 创建构建器
func NewWorkflowBuilder(id, name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		wf: Workflow{ID: id, Name: name},
	}
}

// Description 设置描述
func (b *WorkflowBuilder) Description(desc string) *WorkflowBuilder {
	b.wf.Description = desc
	return b
}

// Parallel 设置并行模式。并行模式下 DependsOn 被忽略。
func (b *WorkflowBuilder) Parallel(parallel bool) *WorkflowBuilder {
	b.wf.Parallel = parallel
	return b
}

// Timeout 设置工作流级超时
func (b *WorkflowBuilder) Timeout(d time.Duration) *WorkflowBuilder {
	b.wf.Timeout = d
	return b
}

// AddTask 添加任务
func (b *WorkflowBuilder) AddTask(task Task) *WorkflowBuilder {
	if task.ID == "" {
		b.problems = append(b.problems, "task without id")
		return b
	}
	for _, existing := range b.wf.Tasks {
		if existing.ID == task.ID {
			b.problems = append(b.problems, "duplicate task id "+task.ID)
			return b
		}
	}
	b.wf.Tasks = append(b.wf.Tasks, task)
	return b
}

// AddCodeAnalysis 添加代码分析任务
func (b *WorkflowBuilder) AddCodeAnalysis(id string, input any, dependsOn ...string) *WorkflowBuilder {
	return b.AddTask(Task{ID: id, AgentType: AgentCodeAnalysis, Input: input, DependsOn: dependsOn})
}

// AddTestGeneration 添加测试生成任务
func (b *WorkflowBuilder) AddTestGeneration(id string, input any, dependsOn ...string) *WorkflowBuilder {
	return b.AddTask(Task{ID: id, AgentType: AgentTestGeneration, Input: input, DependsOn: dependsOn})
}

// AddDocumentation 添加文档任务
func (b *WorkflowBuilder) AddDocumentation(id string, input any, dependsOn ...string) *WorkflowBuilder {
	return b.AddTask(Task{ID: id, AgentType: AgentDocumentation, Input: input, DependsOn: dependsOn})
}

// AddSecurity 添加安全评估任务
func (b *WorkflowBuilder) AddSecurity(id string, input any, dependsOn ...string) *WorkflowBuilder {
	return b.AddTask(Task{ID: id, AgentType: AgentSecurity, Input: input, DependsOn: dependsOn})
}

// Build 校验并返回工作流
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if len(b.problems) > 0 {
		return nil, types.NewErrorf(types.ErrInvalidWorkflow,
			"workflow build failed: %s", strings.Join(b.problems, "; "))
	}
	wf := b.wf
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}
