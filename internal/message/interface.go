package message

import "github.com/charging-platform/fleet-simulator/internal/domain/events"

// EventProducer 定义了向消息队列发布模拟器事件的接口
type EventProducer interface {
	// PublishEvent 异步发布一个事件
	PublishEvent(event events.Event) error
	// Close 关闭生产者
	Close() error
}

// NoopProducer 空实现, 未启用Kafka时使用
type NoopProducer struct{}

// NewNoopProducer 创建空生产者
func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

// PublishEvent 丢弃事件
func (*NoopProducer) PublishEvent(events.Event) error { return nil }

// Close 无操作
func (*NoopProducer) Close() error { return nil }
