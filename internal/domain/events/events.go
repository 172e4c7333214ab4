package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event 统一模拟器事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetSessionID 获取会话ID
	GetSessionID() string
	// GetChargePointID 获取充电桩ID
	GetChargePointID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// GetPayload 获取事件载荷
	GetPayload() interface{}
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	ChargePointID string    `json:"charge_point_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetSessionID 实现Event接口
func (e *BaseEvent) GetSessionID() string {
	return e.SessionID
}

// GetChargePointID 实现Event接口
func (e *BaseEvent) GetChargePointID() string {
	return e.ChargePointID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType EventType, sessionID, chargePointID string) *BaseEvent {
	return &BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		SessionID:     sessionID,
		ChargePointID: chargePointID,
		Timestamp:     time.Now().UTC(),
	}
}

// OCPPMessageEvent 一条收发的OCPP帧
type OCPPMessageEvent struct {
	*BaseEvent
	Record MessageRecord `json:"record"`
}

// GetPayload 实现Event接口
func (e *OCPPMessageEvent) GetPayload() interface{} {
	return e.Record
}

// ToJSON 实现Event接口
func (e *OCPPMessageEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewOCPPMessageEvent 创建OCPP帧事件
func NewOCPPMessageEvent(sessionID, chargePointID string, record MessageRecord) *OCPPMessageEvent {
	return &OCPPMessageEvent{
		BaseEvent: NewBaseEvent(EventTypeOCPP, sessionID, chargePointID),
		Record:    record,
	}
}

// StateTransitionEvent 会话状态迁移
type StateTransitionEvent struct {
	*BaseEvent
	ConnectorID int    `json:"connector_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Trigger     string `json:"trigger,omitempty"`
}

// GetPayload 实现Event接口
func (e *StateTransitionEvent) GetPayload() interface{} {
	return map[string]interface{}{
		"connector_id": e.ConnectorID,
		"from":         e.From,
		"to":           e.To,
		"trigger":      e.Trigger,
	}
}

// ToJSON 实现Event接口
func (e *StateTransitionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewStateTransitionEvent 创建状态迁移事件
func NewStateTransitionEvent(sessionID, chargePointID string, connectorID int, from, to, trigger string) *StateTransitionEvent {
	return &StateTransitionEvent{
		BaseEvent:   NewBaseEvent(EventTypeSession, sessionID, chargePointID),
		ConnectorID: connectorID,
		From:        from,
		To:          to,
		Trigger:     trigger,
	}
}

// PhysicsTickEvent 物理tick快照, 同时作为会话更新流的载荷
type PhysicsTickEvent struct {
	*BaseEvent
	Snapshot PhysicsSnapshot `json:"snapshot"`
}

// GetPayload 实现Event接口
func (e *PhysicsTickEvent) GetPayload() interface{} {
	return e.Snapshot
}

// ToJSON 实现Event接口
func (e *PhysicsTickEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewPhysicsTickEvent 创建物理tick事件
func NewPhysicsTickEvent(sessionID, chargePointID string, snapshot PhysicsSnapshot) *PhysicsTickEvent {
	return &PhysicsTickEvent{
		BaseEvent: NewBaseEvent(EventTypePhysics, sessionID, chargePointID),
		Snapshot:  snapshot,
	}
}

// LogLineEvent 会话日志行
type LogLineEvent struct {
	*BaseEvent
	Entry LogEntry `json:"entry"`
}

// GetPayload 实现Event接口
func (e *LogLineEvent) GetPayload() interface{} {
	return e.Entry
}

// ToJSON 实现Event接口
func (e *LogLineEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewLogLineEvent 创建日志行事件
func NewLogLineEvent(sessionID, chargePointID string, entry LogEntry) *LogLineEvent {
	return &LogLineEvent{
		BaseEvent: NewBaseEvent(EventTypeSession, sessionID, chargePointID),
		Entry:     entry,
	}
}

// FleetMetricsEvent 车队聚合指标
type FleetMetricsEvent struct {
	*BaseEvent
	Snapshot FleetSnapshot `json:"snapshot"`
}

// GetPayload 实现Event接口
func (e *FleetMetricsEvent) GetPayload() interface{} {
	return e.Snapshot
}

// ToJSON 实现Event接口
func (e *FleetMetricsEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewFleetMetricsEvent 创建车队指标事件
func NewFleetMetricsEvent(snapshot FleetSnapshot) *FleetMetricsEvent {
	return &FleetMetricsEvent{
		BaseEvent: NewBaseEvent(EventTypeFleet, "", ""),
		Snapshot:  snapshot,
	}
}
