// Package breaker provides a generic circuit breaker protecting calls to
// unreliable executors. A breaker is long-lived: construct one per protected
// resource and route every call through Execute.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许请求通过
	StateClosed State = iota
	// StateOpen 熔断状态，拒绝所有请求
	StateOpen
	// StateHalfOpen 半开状态，允许探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 监控窗口内失败次数阈值，达到后触发熔断
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ResetTimeout 熔断后允许下一次探测前的等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// MonitoringPeriod 计数器滚动窗口，窗口结束且未熔断时计数器清零
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`

	// CallTimeout 单次调用超时，超时按失败计。0 表示不限制
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// DefaultConfig 默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// Metrics is a read-only snapshot of breaker counters and state.
type Metrics struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	FailureRate     float64   `json:"failure_rate"`
	LastFailureTime time.Time `json:"last_failure_time"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// StateChangeHandler 状态变更回调。回调中的 panic 不会传播到 Execute 调用方。
type StateChangeHandler func(from, to State)

// Breaker 熔断器实现，泛型参数 T 为受保护调用的结果类型。
type Breaker[T any] struct {
	name   string
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	monitoringStart time.Time
	handlers        []StateChangeHandler
}

// New 创建熔断器，初始状态为 closed。
func New[T any](name string, config Config, logger *zap.Logger) *Breaker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker[T]{
		name:            name,
		config:          config,
		state:           StateClosed,
		monitoringStart: time.Now(),
		logger:          logger.With(zap.String("component", "breaker"), zap.String("breaker", name)),
	}
}

// callOptions 单次调用选项
type callOptions[T any] struct {
	fallback func(error) (T, error)
}

// CallOption configures a single Execute invocation.
type CallOption[T any] func(*callOptions[T])

// WithFallback supplies a fallback invoked instead of surfacing an
// open-circuit rejection; its return value replaces the call result.
func WithFallback[T any](fb func(error) (T, error)) CallOption[T] {
	return func(o *callOptions[T]) {
		o.fallback = fb
	}
}

// Execute 将 fn 通过熔断器执行。熔断打开时直接拒绝且不调用 fn；
// 配置了 CallTimeout 时调用与超时竞争，超时按失败记录。
func (b *Breaker[T]) Execute(ctx context.Context, fn func(context.Context) (T, error), opts ...CallOption[T]) (T, error) {
	var zero T
	options := callOptions[T]{}
	for _, opt := range opts {
		opt(&options)
	}

	if err := b.allow(); err != nil {
		if options.fallback != nil {
			return options.fallback(err)
		}
		return zero, err
	}

	result, err := b.call(ctx, fn)
	if err != nil {
		b.recordFailure()
		return zero, err
	}
	b.recordSuccess()
	return result, nil
}

// call 执行受保护调用，带可选超时竞争。超时后 fn 继续运行到结束，
// 结果被丢弃（协作式取消，不做强制抢占）。
func (b *Breaker[T]) call(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if b.config.CallTimeout <= 0 {
		return fn(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := fn(cctx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-cctx.Done():
		return zero, types.NewErrorf(types.ErrTaskTimeout,
			"breaker %s: call exceeded %v", b.name, b.config.CallTimeout).WithRetryable(true)
	}
}

// allow 检查当前状态是否允许调用，必要时执行 open -> half_open 迁移。
func (b *Breaker[T]) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRollWindow(time.Now())

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		now := time.Now()
		if now.Before(b.nextAttemptTime) {
			return types.NewErrorf(types.ErrCircuitOpen,
				"breaker %s open: %d failures, next attempt in %v",
				b.name, b.failures, b.nextAttemptTime.Sub(now).Round(time.Millisecond)).WithRetryable(true)
		}
		b.transitionTo(StateHalfOpen, "reset timeout elapsed")
		return nil

	default:
		return types.NewErrorf(types.ErrCircuitOpen, "breaker %s in unknown state %d", b.name, b.state)
	}
}

// recordSuccess 记录成功
func (b *Breaker[T]) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed, "probe succeeded")
		b.failures = 0
	}
}

// recordFailure 记录失败
func (b *Breaker[T]) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.nextAttemptTime = time.Now().Add(b.config.ResetTimeout)
			b.transitionTo(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.nextAttemptTime = time.Now().Add(b.config.ResetTimeout)
		b.transitionTo(StateOpen, "probe failed")
	}
}

// maybeRollWindow 滚动监控窗口，窗口到期且未熔断时清零计数器。
// 必须在锁内调用。
func (b *Breaker[T]) maybeRollWindow(now time.Time) {
	if b.config.MonitoringPeriod <= 0 {
		return
	}
	if now.Sub(b.monitoringStart) < b.config.MonitoringPeriod {
		return
	}
	if b.state == StateClosed {
		b.failures = 0
		b.successes = 0
	}
	b.monitoringStart = now
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker[T]) transitionTo(newState State, reason string) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	for _, h := range b.handlers {
		handler := h
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("state change handler panicked", zap.Any("recover", r))
				}
			}()
			handler(oldState, newState)
		}()
	}
}

// OnStateChange 注册状态变更回调。
func (b *Breaker[T]) OnStateChange(handler StateChangeHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// State 获取当前状态
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics 返回只读指标快照。
func (b *Breaker[T]) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.failures + b.successes
	rate := 0.0
	if total > 0 {
		rate = float64(b.failures) / float64(total)
	}
	return Metrics{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		FailureRate:     rate,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// Reset 强制恢复 closed 状态并清零所有计数器。
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes = 0
	b.nextAttemptTime = time.Time{}
	b.monitoringStart = time.Now()
	b.transitionTo(StateClosed, "manual reset")
}
