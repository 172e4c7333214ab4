package websocket

import (
	"sync"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// FrameKind 出站帧类别
type FrameKind int

const (
	// FrameKindCall 本端发起的CALL
	FrameKindCall FrameKind = iota
	// FrameKindResult 对CSMS请求的CALLRESULT
	FrameKindResult
	// FrameKindError 对CSMS请求的CALLERROR
	FrameKindError
)

// OutboundFrame 待发送的协议帧
type OutboundFrame struct {
	Kind   FrameKind
	Action ocpp16.Action
	Data   []byte
}

// SendQueue 有界发送队列。队列满时按优先级降级: 先丢弃最旧的
// MeterValues, 新帧本身可丢弃时丢弃新帧, 关键帧(Boot/Authorize/
// Start/Stop/StatusNotification及所有应答)永不丢弃, 允许临时超容。
// Heartbeat始终合并, 队列中至多保留一条。
type SendQueue struct {
	mu       sync.Mutex
	items    []OutboundFrame
	capacity int

	droppedMeterValues  uint64
	coalescedHeartbeats uint64
}

// NewSendQueue 创建发送队列, capacity≤0时取默认256
func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &SendQueue{
		items:    make([]OutboundFrame, 0, capacity),
		capacity: capacity,
	}
}

// Push 入队。返回值表示帧是否被接受(合并视为接受)。
func (q *SendQueue) Push(frame OutboundFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Heartbeat合并: 已有排队的心跳时仅刷新, 不增加队列长度
	if frame.Kind == FrameKindCall && frame.Action == ocpp16.ActionHeartbeat {
		for i := range q.items {
			if q.items[i].Kind == FrameKindCall && q.items[i].Action == ocpp16.ActionHeartbeat {
				q.items[i] = frame
				q.coalescedHeartbeats++
				return true
			}
		}
	}

	if len(q.items) >= q.capacity {
		if !q.evictOldestMeterValues() {
			if frame.Kind == FrameKindCall && frame.Action == ocpp16.ActionMeterValues {
				q.droppedMeterValues++
				return false
			}
			// 关键帧超容入队, 由队列水位指标暴露异常
		}
	}

	q.items = append(q.items, frame)
	return true
}

// evictOldestMeterValues 丢弃最旧的MeterValues帧腾出空间
func (q *SendQueue) evictOldestMeterValues() bool {
	for i := range q.items {
		if q.items[i].Kind == FrameKindCall && q.items[i].Action == ocpp16.ActionMeterValues {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.droppedMeterValues++
			return true
		}
	}
	return false
}

// Pop 取出队首帧, 队列为空时返回false
func (q *SendQueue) Pop() (OutboundFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return OutboundFrame{}, false
	}
	frame := q.items[0]
	q.items = q.items[1:]
	return frame, true
}

// Len 当前队列长度
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear 清空队列, 返回被清除的帧数
func (q *SendQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// DroppedMeterValues 累计丢弃的MeterValues数
func (q *SendQueue) DroppedMeterValues() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedMeterValues
}

// CoalescedHeartbeats 累计合并的Heartbeat数
func (q *SendQueue) CoalescedHeartbeats() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalescedHeartbeats
}
