// Package eventbus provides the in-process publish/subscribe bus the
// orchestrator emits lifecycle events on. Delivery is asynchronous and
// best-effort: a full buffer drops events rather than blocking publishers.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/types"
)

// defaultBufferSize 事件通道缓冲区大小
const defaultBufferSize = 256

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// Handler 事件处理器
type Handler func(types.Envelope)

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// EventBus 定义事件总线接口
type EventBus interface {
	Publish(evt types.Envelope)
	Subscribe(eventType string, handler Handler) Subscription
	Stop()
}

// Bus 是 EventBus 的默认实现
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string]map[string]Handler
	eventChannel chan types.Envelope
	done         chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
}

// New 创建新的事件总线
func New(logger ...*zap.Logger) *Bus {
	var l *zap.Logger
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	} else {
		l = zap.NewNop()
	}
	bus := &Bus{
		handlers:     make(map[string]map[string]Handler),
		eventChannel: make(chan types.Envelope, defaultBufferSize),
		done:         make(chan struct{}),
		logger:       l.With(zap.String("component", "eventbus")),
	}
	go bus.processEvents()
	return bus
}

// Publish 发布事件。通道满时丢弃事件而不是阻塞发布者。
func (b *Bus) Publish(evt types.Envelope) {
	select {
	case b.eventChannel <- evt:
	case <-b.done:
	default:
		b.logger.Warn("event channel full, dropping event",
			zap.String("type", evt.Type),
			zap.String("id", evt.ID))
	}
}

// Subscribe 订阅事件类型
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return &subscription{bus: b, eventType: eventType, id: id}
}

// unsubscribe 取消订阅
func (b *Bus) unsubscribe(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.handlers[eventType]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(b.handlers, eventType)
		}
	}
}

// processEvents 处理事件分发
func (b *Bus) processEvents() {
	for {
		select {
		case evt := <-b.eventChannel:
			b.mu.RLock()
			src := b.handlers[evt.Type]
			handlers := make([]Handler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked",
								zap.String("type", evt.Type),
								zap.Any("recover", r))
						}
					}()
					h(evt)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Stop 停止事件总线
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

type subscription struct {
	bus       *Bus
	eventType string
	id        string
	once      sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.eventType, s.id)
	})
}
