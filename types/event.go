package types

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeSpecVersion 事件信封的规范版本
const EnvelopeSpecVersion = "1.0"

// Lifecycle event types published by the orchestrator.
const (
	EventAgentStarted         = "agent.started"
	EventAgentCompleted       = "agent.completed"
	EventAgentFailed          = "agent.failed"
	EventProviderFallback     = "provider.fallback"
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowCancelled    = "workflow.cancelled"
	EventWorkflowUnauthorized = "workflow.unauthorized"
	EventSecurityScanStarted  = "security.scan.started"
	EventSecurityScanDone     = "security.scan.completed"
)

// Envelope 是事件总线上发布的规范化事件信封。
// 所有生命周期事件都以这个线上形状发布。
type Envelope struct {
	SpecVersion string            `json:"specversion"`
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Source      string            `json:"source"`
	Time        time.Time         `json:"time"`
	TTLMs       int64             `json:"ttlMs,omitempty"`
	Headers     map[string]string `json:"headers"`
	Data        map[string]any    `json:"data"`
}

// NewEnvelope 创建一个带有唯一 ID 和当前时间戳的事件信封。
func NewEnvelope(eventType, source string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		SpecVersion: EnvelopeSpecVersion,
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      source,
		Time:        time.Now().UTC(),
		Headers:     map[string]string{},
		Data:        data,
	}
}
