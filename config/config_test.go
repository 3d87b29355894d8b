package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentTasks)
	assert.True(t, cfg.Orchestrator.EmitLifecycleEvents)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "taskmesh.events", cfg.Outbox.Namespace)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Orchestrator.MaxConcurrentTasks, cfg.Orchestrator.MaxConcurrentTasks)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	content := `
log:
  level: debug
  development: true
orchestrator:
  max_concurrent_tasks: 8
  degraded_agent_types:
    - code-analysis
outbox:
  namespace: custom.events
redis:
  enabled: true
  addr: redis.internal:6379
  pool_size: 20
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, []string{"code-analysis"}, cfg.Orchestrator.DegradedAgentTypes)
	assert.Equal(t, "custom.events", cfg.Outbox.Namespace)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	assert.False(t, cfg.Metrics.Enabled)

	// 文件未覆盖的字段保持默认值
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKMESH_LOG_LEVEL", "warn")
	t.Setenv("TASKMESH_MAX_CONCURRENT_TASKS", "16")
	t.Setenv("TASKMESH_REDIS_ADDR", "override:6379")
	t.Setenv("TASKMESH_OUTBOX_NAMESPACE", "env.events")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Orchestrator.MaxConcurrentTasks)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, "env.events", cfg.Outbox.Namespace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv("TASKMESH_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	assert.ErrorContains(t, cfg.Validate(), "invalid log level")

	cfg = Default()
	cfg.Orchestrator.MaxConcurrentTasks = 0
	assert.ErrorContains(t, cfg.Validate(), "max_concurrent_tasks")

	cfg = Default()
	cfg.Breaker.FailureThreshold = -1
	assert.ErrorContains(t, cfg.Validate(), "failure_threshold")

	cfg = Default()
	cfg.Breaker.ResetTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "reset_timeout")

	cfg = Default()
	cfg.Outbox.MaxItemBytes = 0
	assert.ErrorContains(t, cfg.Validate(), "max_item_bytes")

	cfg = Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.ErrorContains(t, cfg.Validate(), "redis.addr")
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_concurrent_tasks: -2\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_tasks")
}
