package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 请求的对象不存在
var ErrNotFound = errors.New("storage: not found")

// SessionSnapshot 会话状态快照, 周期性持久化供外部查询与重启恢复
type SessionSnapshot struct {
	ChargePointID string    `json:"charge_point_id"`
	State         string    `json:"state"`
	ChargerType   string    `json:"charger_type"`
	VehicleID     string    `json:"vehicle_id"`
	Soc           float64   `json:"soc"`
	EnergyWh      float64   `json:"energy_wh"`
	PowerW        float64   `json:"power_w"`
	TransactionID *int      `json:"transaction_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordingMeta 报文录制的元数据, 帧本体经由Kafka下游落盘
type RecordingMeta struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Baseline      string    `json:"baseline,omitempty"`
	ChargePointID string    `json:"charge_point_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	StoppedAt     time.Time `json:"stopped_at"`
	EventCount    int       `json:"event_count"`
	DroppedEvents int       `json:"dropped_events"`
}

// ScenarioStep 场景中的一步操作
type ScenarioStep struct {
	// Op 操作名: connect, boot, authorize, plugin, start, stop,
	// disconnect, wait
	Op string `json:"op"`
	// Delay 执行前等待时长
	Delay time.Duration `json:"delay,omitempty"`
	// Params 操作参数, 如idTag、connectorId
	Params map[string]string `json:"params,omitempty"`
}

// Scenario 可回放的模拟场景
type Scenario struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []ScenarioStep `json:"steps"`
}

// Store 模拟器持久化接口
type Store interface {
	// SaveSession 写入会话快照
	SaveSession(ctx context.Context, snapshot SessionSnapshot) error
	// LoadSessions 读取全部会话快照
	LoadSessions(ctx context.Context) ([]SessionSnapshot, error)
	// DeleteSession 删除会话快照
	DeleteSession(ctx context.Context, chargePointID string) error

	// SaveRecording 写入录制元数据
	SaveRecording(ctx context.Context, meta RecordingMeta) error

	// SaveScenario 写入自定义场景
	SaveScenario(ctx context.Context, scenario Scenario) error
	// LoadScenario 按名称读取场景, 不存在时返回ErrNotFound
	LoadScenario(ctx context.Context, name string) (Scenario, error)

	// Close 关闭存储后端
	Close() error
}

// NoopStore 空实现, 未启用持久化时使用
type NoopStore struct{}

// NewNoopStore 创建空存储
func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (*NoopStore) SaveSession(context.Context, SessionSnapshot) error { return nil }

func (*NoopStore) LoadSessions(context.Context) ([]SessionSnapshot, error) { return nil, nil }

func (*NoopStore) DeleteSession(context.Context, string) error { return nil }

func (*NoopStore) SaveRecording(context.Context, RecordingMeta) error { return nil }

func (*NoopStore) SaveScenario(context.Context, Scenario) error { return nil }

func (*NoopStore) LoadScenario(context.Context, string) (Scenario, error) {
	return Scenario{}, ErrNotFound
}

func (*NoopStore) Close() error { return nil }
