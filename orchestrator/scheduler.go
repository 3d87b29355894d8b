package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WenQiao97/taskmesh/types"
)

// runSequential 顺序模式调度：逐轮计算 frontier，每轮最多派发
// MaxConcurrentTasks 个任务。循环不变式：依赖未满足的任务绝不启动，
// 在途任务数不超过并发上限。
func (o *Orchestrator) runSequential(ctx context.Context, wf *Workflow) (map[string]any, map[string]string) {
	completed := make(map[string]struct{}, len(wf.Tasks))
	results := make(map[string]any, len(wf.Tasks))
	errs := make(map[string]string)

	for len(completed) < len(wf.Tasks) && len(errs) == 0 {
		if ctx.Err() != nil {
			break
		}

		frontier := frontier(wf.Tasks, completed)
		if len(frontier) == 0 {
			// 剩余任务中存在环或缺失依赖，全局中止
			o.logger.Error("dependency resolution stalled",
				zap.String("workflow_id", wf.ID),
				zap.Int("completed", len(completed)),
				zap.Int("total", len(wf.Tasks)))
			errs[ErrorKeyDependency] = types.NewErrorf(types.ErrDependencyCycle,
				"circular or missing dependency among remaining tasks in workflow %s", wf.ID).Error()
			break
		}

		batch := frontier
		if len(batch) > o.config.MaxConcurrentTasks {
			batch = batch[:o.config.MaxConcurrentTasks]
		}

		var batchMu sync.Mutex
		g := new(errgroup.Group)
		for _, task := range batch {
			t := task
			o.markTaskRunning(t.ID)
			g.Go(func() error {
				start := time.Now()
				out, err := o.dispatch(ctx, t)
				o.markTaskDone(t.ID, time.Since(start), err == nil)

				batchMu.Lock()
				defer batchMu.Unlock()
				if err != nil {
					// 单任务失败不影响同批兄弟任务
					errs[t.ID] = err.Error()
				} else {
					results[t.ID] = out
					completed[t.ID] = struct{}{}
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return results, errs
}

// frontier 返回依赖全部完成且尚未运行的任务，保持声明顺序。
func frontier(tasks []Task, completed map[string]struct{}) []Task {
	var ready []Task
	for _, t := range tasks {
		if _, done := completed[t.ID]; done {
			continue
		}
		eligible := true
		for _, dep := range t.DependsOn {
			if _, done := completed[dep]; !done {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, t)
		}
	}
	return ready
}

// runParallel 并行模式：所有任务同时启动，DependsOn 不参与调度。
// 失败的尽力型任务类型可降级为中性合成结果（配置项，非普适规则）。
func (o *Orchestrator) runParallel(ctx context.Context, wf *Workflow) (map[string]any, map[string]string) {
	results := make(map[string]any, len(wf.Tasks))
	errs := make(map[string]string)

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, task := range wf.Tasks {
		t := task
		o.markTaskRunning(t.ID)
		g.Go(func() error {
			start := time.Now()
			out, err := o.dispatch(ctx, t)
			o.markTaskDone(t.ID, time.Since(start), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if _, degrade := o.degraded[t.AgentType]; degrade {
					o.logger.Warn("degrading failed best-effort task",
						zap.String("task_id", t.ID),
						zap.String("agent_type", t.AgentType),
						zap.Error(err))
					results[t.ID] = degradedResult(t, err)
				} else {
					errs[t.ID] = err.Error()
				}
			} else {
				results[t.ID] = out
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}

// degradedResult 为尽力型任务构造中性合成结果，保持下游聚合非致命。
func degradedResult(t Task, cause error) map[string]any {
	return map[string]any{
		"degraded":  true,
		"agentType": t.AgentType,
		"taskId":    t.ID,
		"summary":   "analysis unavailable",
		"cause":     cause.Error(),
	}
}

// dispatch 执行单个任务：解析执行器，按重试预算驱动调用。
// 每次尝试生成新的 traceId，退避按指数增长。
func (o *Orchestrator) dispatch(ctx context.Context, t Task) (any, error) {
	exec, ok := o.executors[t.AgentType]
	if !ok {
		err := types.NewErrorf(types.ErrExecutorNotFound, "no executor registered for agent type %s", t.AgentType)
		o.emitAgentFailed(t, uuid.NewString(), err, 0)
		return nil, err
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultTaskTimeout
	}

	attempts := 1 + t.Retries
	if attempts < 1 {
		attempts = 1
	}
	backoff := o.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if o.collector != nil {
				o.collector.RecordTaskRetry(t.AgentType)
			}
			select {
			case <-ctx.Done():
				return nil, types.NewErrorf(types.ErrCancelled, "task %s cancelled before retry", t.ID).
					WithCause(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		traceID := uuid.NewString()
		start := time.Now()
		o.emitAgentStarted(t, traceID)

		out, err := o.invoke(ctx, exec, t, timeout)
		latency := time.Since(start)

		if err == nil {
			o.emitAgentCompleted(t, traceID, out, latency)
			if o.collector != nil {
				o.collector.RecordTask(t.AgentType, "completed", latency)
			}
			return out, nil
		}

		o.emitAgentFailed(t, traceID, err, latency)
		if o.collector != nil {
			o.collector.RecordTask(t.AgentType, "failed", latency)
		}
		o.logger.Warn("task attempt failed",
			zap.String("task_id", t.ID),
			zap.String("agent_type", t.AgentType),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts_max", attempts),
			zap.Error(err))
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// invoke 将执行器调用与任务超时竞争。超时后调用继续运行到结束，
// 结果被丢弃（协作式取消，无强制抢占）。
func (o *Orchestrator) invoke(ctx context.Context, exec Executor, t Task, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := exec.Execute(tctx, t.Input)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, types.NewErrorf(types.ErrTaskFailed, "task %s failed", t.ID).WithCause(out.err)
		}
		return out.result, nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, types.NewErrorf(types.ErrCancelled, "task %s cancelled", t.ID).WithCause(ctx.Err())
		}
		return nil, types.NewErrorf(types.ErrTaskTimeout, "task %s exceeded %v", t.ID, timeout).WithRetryable(true)
	}
}
