package orchestrator

import (
	"time"

	"github.com/WenQiao97/taskmesh/types"
)

// publish 发布生命周期事件。未配置总线或关闭代理模式时为空操作。
func (o *Orchestrator) publish(eventType string, data map[string]any) {
	if o.bus == nil || !o.config.EmitLifecycleEvents {
		return
	}
	o.bus.Publish(types.NewEnvelope(eventType, o.config.Source, data))
}

// emitAgentStarted 任务调用前发布 agent.started。
// traceId 按单次调用生成，重试不复用。
func (o *Orchestrator) emitAgentStarted(t Task, traceID string) {
	o.publish(types.EventAgentStarted, map[string]any{
		"agentId":    t.AgentType,
		"taskId":     t.ID,
		"traceId":    traceID,
		"capability": t.AgentType,
		"input":      t.Input,
	})
}

// emitAgentCompleted 任务成功后发布 agent.completed
func (o *Orchestrator) emitAgentCompleted(t Task, traceID string, result any, latency time.Duration) {
	o.publish(types.EventAgentCompleted, map[string]any{
		"agentId":    t.AgentType,
		"taskId":     t.ID,
		"traceId":    traceID,
		"capability": t.AgentType,
		"result":     result,
		"metrics":    map[string]any{"latencyMs": latency.Milliseconds()},
	})
}

// emitAgentFailed 任务失败后发布 agent.failed
func (o *Orchestrator) emitAgentFailed(t Task, traceID string, err error, latency time.Duration) {
	o.publish(types.EventAgentFailed, map[string]any{
		"agentId":    t.AgentType,
		"taskId":     t.ID,
		"traceId":    traceID,
		"capability": t.AgentType,
		"error":      err.Error(),
		"errorCode":  string(types.GetErrorCode(err)),
		"status":     "failed",
		"metrics":    map[string]any{"latencyMs": latency.Milliseconds()},
	})
}

func (o *Orchestrator) emitWorkflowStarted(wf *Workflow) {
	o.publish(types.EventWorkflowStarted, map[string]any{
		"workflowId": wf.ID,
		"name":       wf.Name,
		"tasksTotal": len(wf.Tasks),
		"parallel":   wf.Parallel,
	})
}

func (o *Orchestrator) emitWorkflowCompleted(result *Result) {
	o.publish(types.EventWorkflowCompleted, map[string]any{
		"workflowId":     result.WorkflowID,
		"status":         string(result.Status),
		"tasksCompleted": result.Metrics.TasksCompleted,
		"tasksTotal":     result.Metrics.TasksTotal,
		"totalTimeMs":    result.Metrics.TotalTime.Milliseconds(),
	})
}

func (o *Orchestrator) emitWorkflowCancelled(workflowID string) {
	o.publish(types.EventWorkflowCancelled, map[string]any{
		"workflowId": workflowID,
	})
}

func (o *Orchestrator) emitWorkflowUnauthorized(wf *Workflow, reason string) {
	o.publish(types.EventWorkflowUnauthorized, map[string]any{
		"workflowId": wf.ID,
		"name":       wf.Name,
		"reason":     reason,
	})
}
