// Package config 统一配置加载，支持 YAML 文件 + 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.Load("taskmesh.yaml")
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/WenQiao97/taskmesh/breaker"
	"github.com/WenQiao97/taskmesh/memory"
	"github.com/WenQiao97/taskmesh/orchestrator"
	"github.com/WenQiao97/taskmesh/outbox"
)

// envPrefix 环境变量前缀
const envPrefix = "TASKMESH"

// Config 是 TaskMesh 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Orchestrator 编排器配置
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Breaker 熔断器配置
	Breaker breaker.Config `yaml:"breaker"`

	// Outbox 事件出站箱治理配置
	Outbox outbox.Options `yaml:"outbox"`

	// Redis 存储配置
	Redis RedisConfig `yaml:"redis"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别: debug/info/warn/error
	Level string `yaml:"level"`

	// Development 开发模式使用控制台编码
	Development bool `yaml:"development"`
}

// RedisConfig Redis 配置。Enabled 为 false 时使用进程内存储。
type RedisConfig struct {
	Enabled bool `yaml:"enabled"`

	memory.RedisConfig `yaml:",inline"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enabled 是否注册 Prometheus 指标
	Enabled bool `yaml:"enabled"`

	// Namespace 指标命名空间
	Namespace string `yaml:"namespace"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		Outbox:       outbox.DefaultOptions(),
		Redis: RedisConfig{
			Enabled:     false,
			RedisConfig: memory.DefaultRedisConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "taskmesh",
		},
	}
}

// Load 加载配置。path 为空或文件不存在时返回默认配置加环境变量覆盖。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(envPrefix + "_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv(envPrefix + "_OUTBOX_NAMESPACE"); v != "" {
		cfg.Outbox.Namespace = v
	}
}

// Validate 校验配置合法性
func (c Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Orchestrator.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_tasks must be positive, got %d",
			c.Orchestrator.MaxConcurrentTasks)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d",
			c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive, got %v",
			c.Breaker.ResetTimeout)
	}
	if c.Outbox.MaxItemBytes <= 0 {
		return fmt.Errorf("outbox.max_item_bytes must be positive, got %d",
			c.Outbox.MaxItemBytes)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
