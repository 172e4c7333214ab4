package events

import (
	"encoding/json"
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventTypeOCPP OCPP线上帧事件
	EventTypeOCPP EventType = "ocpp"
	// EventTypeSession 会话状态事件
	EventTypeSession EventType = "session"
	// EventTypePhysics 充电物理量事件
	EventTypePhysics EventType = "physics"
	// EventTypeFleet 车队聚合指标事件, 不进入录制流
	EventTypeFleet EventType = "fleet"
)

// Direction 消息方向
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// FrameType OCPP-J帧类型
type FrameType string

const (
	FrameCall       FrameType = "CALL"
	FrameCallResult FrameType = "CALLRESULT"
	FrameCallError  FrameType = "CALLERROR"
)

// LogEntry 会话日志条目, 进入会话环形缓冲与日志流
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// MessageRecord 一条OCPP消息的快照, 进入会话环形缓冲与录制流
type MessageRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Direction Direction       `json:"direction"`
	Frame     FrameType       `json:"frame"`
	Action    string          `json:"action,omitempty"`
	UniqueID  string          `json:"unique_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PhysicsSnapshot 单次物理tick后的会话快照
type PhysicsSnapshot struct {
	State         string  `json:"state"`
	Soc           float64 `json:"soc"`
	TargetSoc     float64 `json:"target_soc"`
	PowerW        float64 `json:"power_w"`
	OfferedW      float64 `json:"offered_w"`
	EnergyWh      float64 `json:"energy_wh"`
	CurrentA      float64 `json:"current_a"`
	VoltageV      float64 `json:"voltage_v"`
	TransactionID *int    `json:"transaction_id,omitempty"`
}

// FleetSnapshot 车队聚合指标
type FleetSnapshot struct {
	TotalSessions    int            `json:"total_sessions"`
	CountsByState    map[string]int `json:"counts_by_state"`
	TotalPowerW      float64        `json:"total_power_w"`
	TotalEnergyWh    float64        `json:"total_energy_wh"`
	ThroughputPerSec float64        `json:"throughput_per_sec"`
}
