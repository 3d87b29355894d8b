// Package outbox subscribes to the lifecycle event bus and durably persists a
// governed, redacted snapshot of each event into a pluggable memory store.
// Persistence runs outside the publisher's critical path: store failures are
// absorbed, never surfaced to the scheduler.
package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/eventbus"
	"github.com/WenQiao97/taskmesh/internal/metrics"
	"github.com/WenQiao97/taskmesh/types"
)

// DefaultTypes 默认订阅的事件类型。此集合之外的事件类型被忽略，
// 除非显式传入 Wire。
var DefaultTypes = []string{
	types.EventAgentStarted,
	types.EventAgentCompleted,
	types.EventAgentFailed,
	types.EventProviderFallback,
	types.EventWorkflowStarted,
	types.EventWorkflowCompleted,
	types.EventWorkflowCancelled,
	types.EventSecurityScanStarted,
	types.EventSecurityScanDone,
}

// truncationHeadroom 截断包装对象预留的字节数，保证包装后总长不超过上限。
const truncationHeadroom = 256

// upsertTimeout 单次持久化调用的超时
const upsertTimeout = 5 * time.Second

// Options 单个事件类型的持久化治理选项。
type Options struct {
	// Namespace 记录的逻辑分组
	Namespace string `yaml:"namespace" json:"namespace"`

	// TTL 记录的建议过期时长，0 表示不过期
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MaxItemBytes 序列化载荷的字节上限，超出则截断
	MaxItemBytes int `yaml:"max_item_bytes" json:"max_item_bytes"`

	// TagPrefix 事件类型标签前缀
	TagPrefix string `yaml:"tag_prefix" json:"tag_prefix"`

	// DisableRedact 显式关闭 PII 脱敏
	DisableRedact bool `yaml:"disable_redact" json:"disable_redact"`
}

// DefaultOptions 默认治理选项
func DefaultOptions() Options {
	return Options{
		Namespace:    "taskmesh.events",
		TTL:          7 * 24 * time.Hour,
		MaxItemBytes: 32 * 1024,
		TagPrefix:    "evt",
	}
}

// Resolver 按事件类型解析治理选项，不同能力可使用不同的 TTL/命名空间。
type Resolver func(eventType string) Options

// StaticResolver 对所有事件类型返回同一份选项。
func StaticResolver(opts Options) Resolver {
	return func(string) Options { return opts }
}

// Outbox 事件出站箱订阅器
type Outbox struct {
	store     types.MemoryStore
	resolve   Resolver
	redactor  *Redactor
	collector *metrics.Collector
	logger    *zap.Logger
	subs      []eventbus.Subscription
}

// OutboxOption 配置出站箱
type OutboxOption func(*Outbox)

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) OutboxOption {
	return func(ob *Outbox) {
		if logger != nil {
			ob.logger = logger
		}
	}
}

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) OutboxOption {
	return func(ob *Outbox) { ob.collector = c }
}

// Wire 将出站箱接到事件总线。resolve 为 nil 时使用默认选项；
// eventTypes 为空时订阅 DefaultTypes。
func Wire(bus eventbus.EventBus, store types.MemoryStore, resolve Resolver, eventTypes []string, opts ...OutboxOption) *Outbox {
	if resolve == nil {
		resolve = StaticResolver(DefaultOptions())
	}
	if len(eventTypes) == 0 {
		eventTypes = DefaultTypes
	}

	ob := &Outbox{
		store:    store,
		resolve:  resolve,
		redactor: NewRedactor(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ob)
	}
	ob.logger = ob.logger.With(zap.String("component", "outbox"))

	for _, eventType := range eventTypes {
		ob.subs = append(ob.subs, bus.Subscribe(eventType, ob.handle))
	}
	ob.logger.Info("outbox wired", zap.Int("event_types", len(eventTypes)))
	return ob
}

// Close 取消所有订阅。
func (ob *Outbox) Close() {
	for _, sub := range ob.subs {
		sub.Unsubscribe()
	}
	ob.subs = nil
}

// handle 将事件信封治理后落库。持久化失败被吞掉，只记日志，
// 绝不让发布方失败或阻塞。
func (ob *Outbox) handle(evt types.Envelope) {
	opts := ob.resolve(evt.Type)
	if opts.Namespace == "" {
		opts.Namespace = DefaultOptions().Namespace
	}
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = DefaultOptions().MaxItemBytes
	}
	if opts.TagPrefix == "" {
		opts.TagPrefix = DefaultOptions().TagPrefix
	}

	text, err := ob.serialize(evt, opts)
	if err != nil {
		ob.logger.Warn("event serialization failed",
			zap.String("type", evt.Type),
			zap.String("id", evt.ID),
			zap.Error(err))
		ob.recordPersist(evt.Type, "error", 0)
		return
	}

	if !opts.DisableRedact {
		text = ob.redactor.Apply(text)
	}

	now := time.Now().UTC()
	record := types.MemoryRecord{
		ID:        "evt-" + evt.ID,
		Kind:      types.MemoryKindEvent,
		Text:      text,
		Tags:      []string{opts.Namespace, opts.TagPrefix + ":" + evt.Type},
		TTL:       opts.TTL,
		CreatedAt: now,
		UpdatedAt: now,
		Provenance: types.Provenance{
			Source: evt.Source,
			Actor:  deriveActor(evt.Data),
		},
		Policy: types.Policy{PII: false, Scope: "session"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
	defer cancel()
	if err := ob.store.Upsert(ctx, record, opts.Namespace); err != nil {
		ob.logger.Warn("outbox persistence failed",
			zap.String("type", evt.Type),
			zap.String("id", evt.ID),
			zap.Error(err))
		ob.recordPersist(evt.Type, "error", 0)
		return
	}
	ob.recordPersist(evt.Type, "ok", len(text))
}

// serialize 序列化完整信封，超出上限时替换为带预览的截断对象。
func (ob *Outbox) serialize(evt types.Envelope, opts Options) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	if len(payload) <= opts.MaxItemBytes {
		return string(payload), nil
	}

	// 头部切片预留包装对象的空间；JSON 转义可能放大预览，
	// 超限时收缩重试直到包装对象不超过上限。
	previewLen := opts.MaxItemBytes - truncationHeadroom
	if previewLen < 0 {
		previewLen = 0
	}
	if previewLen > len(payload) {
		previewLen = len(payload)
	}

	var truncated []byte
	for {
		preview := strings.ToValidUTF8(string(payload[:previewLen]), "")
		truncated, err = json.Marshal(map[string]any{
			"type":      evt.Type,
			"truncated": true,
			"note":      "payload exceeded max item bytes",
			"preview":   preview,
		})
		if err != nil {
			return "", err
		}
		if len(truncated) <= opts.MaxItemBytes || previewLen == 0 {
			break
		}
		previewLen /= 2
	}
	ob.logger.Debug("event payload truncated",
		zap.String("type", evt.Type),
		zap.Int("original_bytes", len(payload)),
		zap.Int("max_item_bytes", opts.MaxItemBytes))
	return string(truncated), nil
}

func (ob *Outbox) recordPersist(eventType, status string, bytes int) {
	if ob.collector != nil {
		ob.collector.RecordOutboxPersist(eventType, status, bytes)
	}
}

// deriveActor 从事件载荷推导 actor，优先 agentId，其次 serverId。
func deriveActor(data map[string]any) string {
	if data == nil {
		return "unknown"
	}
	if v, ok := data["agentId"].(string); ok && v != "" {
		return v
	}
	if v, ok := data["serverId"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
