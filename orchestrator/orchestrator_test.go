package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenQiao97/taskmesh/eventbus"
	"github.com/WenQiao97/taskmesh/types"
)

func blockingExecutor(release <-chan struct{}) ExecutorFunc {
	return func(ctx context.Context, input any) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func singleTaskWorkflow(id string) *Workflow {
	return &Workflow{
		ID:   id,
		Name: id,
		Tasks: []Task{
			{ID: "T", AgentType: "test-agent"},
		},
	}
}

func TestExecuteWorkflow_ValidationErrors(t *testing.T) {
	o := New(Config{})

	_, err := o.ExecuteWorkflow(context.Background(), nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidWorkflow))

	_, err = o.ExecuteWorkflow(context.Background(), &Workflow{Name: "no id"})
	assert.True(t, types.IsCode(err, types.ErrInvalidWorkflow))

	_, err = o.ExecuteWorkflow(context.Background(), &Workflow{
		ID: "dup", Name: "dup",
		Tasks: []Task{
			{ID: "T", AgentType: "a"},
			{ID: "T", AgentType: "b"},
		},
	})
	assert.True(t, types.IsCode(err, types.ErrInvalidWorkflow))
}

func TestExecuteWorkflow_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	o := New(Config{}, WithExecutor("test-agent", blockingExecutor(release)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-sf"))
		assert.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
	}()

	require.Eventually(t, func() bool {
		_, running := o.GetWorkflowStatus("wf-sf")
		return running
	}, time.Second, 5*time.Millisecond)

	// 同 ID 第二次提交立刻被拒
	_, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-sf"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAlreadyRunning))

	close(release)
	wg.Wait()

	// 运行结束后同 ID 可以再次提交
	result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-sf"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestExecuteWorkflow_AuthorizationDenied(t *testing.T) {
	invoked := false
	o := New(Config{},
		WithExecutor("test-agent", ExecutorFunc(func(context.Context, any) (any, error) {
			invoked = true
			return "ok", nil
		})),
		WithAuthorizer(func(ctx context.Context, wf *Workflow) (bool, error) {
			return false, nil
		}))

	result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-authz"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Errors, ErrorKeyAuthz)
	assert.Equal(t, 0, result.Metrics.TasksCompleted)
	// 拒绝必须发生在任何任务启动之前
	assert.False(t, invoked)
}

func TestExecuteWorkflow_AuthorizerError(t *testing.T) {
	o := New(Config{},
		WithExecutor("test-agent", ExecutorFunc(func(context.Context, any) (any, error) {
			return "ok", nil
		})),
		WithAuthorizer(func(ctx context.Context, wf *Workflow) (bool, error) {
			return false, errors.New("policy backend unreachable")
		}))

	result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-authz-err"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Errors[ErrorKeyAuthz], "policy backend unreachable")
}

func TestCancelWorkflow(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := New(Config{}, WithExecutor("test-agent", blockingExecutor(release)))

	done := make(chan *Result, 1)
	go func() {
		result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-cancel"))
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		_, running := o.GetWorkflowStatus("wf-cancel")
		return running
	}, time.Second, 5*time.Millisecond)

	require.True(t, o.CancelWorkflow("wf-cancel"))

	select {
	case result := <-done:
		assert.Equal(t, StatusCancelled, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not stop after cancel")
	}

	// 未知 ID 取消返回 false
	assert.False(t, o.CancelWorkflow("wf-cancel"))
	assert.False(t, o.CancelWorkflow("ghost"))
}

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Stop()

	var mu sync.Mutex
	seen := map[string]types.Envelope{}
	for _, eventType := range []string{
		types.EventWorkflowStarted, types.EventWorkflowCompleted,
		types.EventAgentStarted, types.EventAgentCompleted,
	} {
		et := eventType
		bus.Subscribe(et, func(evt types.Envelope) {
			mu.Lock()
			seen[et] = evt
			mu.Unlock()
		})
	}

	o := New(Config{EmitLifecycleEvents: true, Source: "taskmesh/test"},
		WithEventBus(bus),
		WithExecutor("test-agent", ExecutorFunc(func(context.Context, any) (any, error) {
			return "ok", nil
		})))

	result, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-events"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	started := seen[types.EventAgentStarted]
	assert.Equal(t, "taskmesh/test", started.Source)
	data := started.Data
	assert.Equal(t, "test-agent", data["agentId"])
	assert.Equal(t, "T", data["taskId"])
	assert.NotEmpty(t, data["traceId"])

	completed := seen[types.EventAgentCompleted]
	assert.Equal(t, data["traceId"], completed.Data["traceId"])
	assert.Contains(t, completed.Data, "metrics")

	wfDone := seen[types.EventWorkflowCompleted]
	assert.Equal(t, "wf-events", wfDone.Data["workflowId"])
	assert.Equal(t, string(StatusCompleted), wfDone.Data["status"])
}

func TestLifecycleEvents_Disabled(t *testing.T) {
	bus := eventbus.New()
	defer bus.Stop()

	received := make(chan types.Envelope, 8)
	bus.Subscribe(types.EventAgentStarted, func(evt types.Envelope) {
		received <- evt
	})

	o := New(Config{EmitLifecycleEvents: false},
		WithEventBus(bus),
		WithExecutor("test-agent", ExecutorFunc(func(context.Context, any) (any, error) {
			return "ok", nil
		})))

	_, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-silent"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, received)
}

func TestStatsAccumulation(t *testing.T) {
	o := New(Config{},
		WithExecutor("test-agent", ExecutorFunc(func(context.Context, any) (any, error) {
			return "ok", nil
		})))

	for i := 0; i < 3; i++ {
		wf := singleTaskWorkflow("wf-stats")
		_, err := o.ExecuteWorkflow(context.Background(), wf)
		require.NoError(t, err)
	}

	stats := o.Metrics()
	assert.Equal(t, int64(3), stats.WorkflowsExecuted)
	assert.Equal(t, int64(3), stats.TasksCompleted)
	assert.Greater(t, stats.TotalTime, time.Duration(0))
}

func TestAvailableAgents(t *testing.T) {
	noop := ExecutorFunc(func(context.Context, any) (any, error) { return nil, nil })
	o := New(Config{},
		WithExecutor(AgentSecurity, noop),
		WithExecutor(AgentCodeAnalysis, noop))

	assert.Equal(t, []string{AgentCodeAnalysis, AgentSecurity}, o.AvailableAgents())
}

func TestRunningTasks(t *testing.T) {
	release := make(chan struct{})
	o := New(Config{}, WithExecutor("test-agent", blockingExecutor(release)))

	go func() {
		_, _ = o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-running"))
	}()

	require.Eventually(t, func() bool {
		tasks := o.RunningTasks()
		return len(tasks) == 1 && tasks[0] == "T"
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return len(o.RunningTasks()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	release := make(chan struct{})
	o := New(Config{}, WithExecutor("test-agent", blockingExecutor(release)))

	go func() {
		_, _ = o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-drain"))
	}()
	require.Eventually(t, func() bool {
		_, running := o.GetWorkflowStatus("wf-drain")
		return running
	}, time.Second, 5*time.Millisecond)

	// 停机后新工作流被拒
	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- o.Shutdown(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-late"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrShuttingDown))

	close(release)
	require.NoError(t, <-shutdownErr)
}

func TestShutdown_TimesOutWithStuckWorkflow(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := New(Config{}, WithExecutor("test-agent", blockingExecutor(release)))

	go func() {
		_, _ = o.ExecuteWorkflow(context.Background(), singleTaskWorkflow("wf-stuck"))
	}()
	require.Eventually(t, func() bool {
		_, running := o.GetWorkflowStatus("wf-stuck")
		return running
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := o.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrShuttingDown))
}
