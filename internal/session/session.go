package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/fleet-simulator/internal/cache"
	"github.com/charging-platform/fleet-simulator/internal/domain/device"
	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/domain/validation"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	"github.com/charging-platform/fleet-simulator/internal/physics"
	protocol "github.com/charging-platform/fleet-simulator/internal/protocol/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/ringbuf"
	"github.com/charging-platform/fleet-simulator/internal/smartcharging"
	"github.com/charging-platform/fleet-simulator/internal/transport/websocket"
)

// bufferCapacity 日志与报文环形缓冲的容量
const bufferCapacity = 500

// protocolErrorThreshold 触发强制重连的协议错误阈值(滑动窗口60秒)
const (
	protocolErrorThreshold = 5
	protocolErrorWindow    = 60 * time.Second
)

// Transport 会话对链路层的依赖, 由websocket.Client实现。
// 测试可注入替身。
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Enqueue(frame websocket.OutboundFrame) bool
	ClearQueue() int
	QueueLen() int
	State() websocket.LinkState
	Stats() websocket.LinkStats
}

// EventEmitter 录制/事件流钩子
type EventEmitter interface {
	Emit(event events.Event)
}

// Deps 会话的外部依赖, 零值字段取默认实现
type Deps struct {
	Clock     clock.Clock
	Logger    zerolog.Logger
	Emitter   EventEmitter
	Transport Transport
	AuthCache *cache.AuthCache
}

// interruptedTx 断链或重置时被打断的交易, 下次成功Boot后补发
// 最终StopTransaction。
type interruptedTx struct {
	transactionID int
	meterStop     int
	reason        ocpp16.Reason
	samples       []ocpp16.MeterValue
}

// reservation 当前生效的预约
type reservation struct {
	id     int
	idTag  string
	expiry time.Time
}

// statusSequence 固件更新/诊断上传的异步状态序列
type statusSequence struct {
	states []string
	index  int
	nextAt time.Time
}

// Session 单个模拟充电桩。所有可变状态由邮箱协程独占, 外部命令与
// 链路回调均以闭包形式投递。
type Session struct {
	id      string
	opts    Options
	charger device.ChargerType
	vehicle device.VehicleProfile

	transport Transport
	pending   *protocol.PendingTable
	profiles  *smartcharging.ProfileSet
	authCache *cache.AuthCache
	engine    *physics.Engine
	validator *validation.Validator
	clk       clock.Clock
	logger    zerolog.Logger
	emitter   EventEmitter

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// overflow 邮箱满时的溢出队列, 由单个冲刷协程按序送回邮箱
	overflowMu   sync.Mutex
	overflow     []func()
	overflowBusy bool

	alignedReload chan struct{}

	closeOnce sync.Once

	// 以下字段仅由邮箱协程访问
	state             State
	transactionID     *int
	chargingStartedAt time.Time
	connectedAt       time.Time
	interrupted       *interruptedTx
	reserved          *reservation
	resetPending      ocpp16.ResetType
	pendingInoperable bool

	heartbeatInterval    time.Duration
	meterInterval        time.Duration
	clockAlignedInterval time.Duration
	connectionTimeout    time.Duration
	measurands           []ocpp16.Measurand

	nextHeartbeatAt   time.Time
	nextMeterAt       time.Time
	nextBootRetryAt   time.Time
	heartbeatInFlight bool
	lastPhysicsAt     time.Time
	lastSample        physics.Sample

	firmwareStatus    ocpp16.FirmwareStatus
	diagnosticsStatus ocpp16.DiagnosticsStatus
	firmwareSeq       *statusSequence
	diagnosticsSeq    *statusSequence

	txSamples *ringbuf.Buffer[ocpp16.MeterValue]
	messages  *ringbuf.Buffer[events.MessageRecord]
	logLines  *ringbuf.Buffer[events.LogEntry]

	protocolErrors []time.Time
}

// New 创建会话并启动其邮箱协程与调度协程
func New(opts Options, deps Deps) (*Session, error) {
	opts.normalize()

	v := validation.NewValidator()
	if err := v.ValidateChargePointID(opts.ChargePointID); err != nil {
		return nil, &ConfigurationError{Field: "chargePointId", Reason: err.Error()}
	}

	charger, ok := device.ChargerTypeByName(opts.ChargerType)
	if !ok {
		return nil, &ConfigurationError{Field: "chargerType", Reason: fmt.Sprintf("unknown charger type %q", opts.ChargerType)}
	}
	vehicleID := opts.VehicleID
	if vehicleID == "" {
		vehicleID = device.DefaultVehicleID
	}
	vehicle, ok := device.VehicleByID(vehicleID)
	if !ok {
		return nil, &ConfigurationError{Field: "vehicleProfile", Reason: fmt.Sprintf("unknown vehicle profile %q", vehicleID)}
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	authCache := deps.AuthCache
	if authCache == nil {
		authCache = cache.NewAuthCache(0, 0, clk)
	}

	s := &Session{
		id:                   uuid.New().String(),
		opts:                 opts,
		charger:              charger,
		vehicle:              vehicle,
		pending:              nil,
		profiles:             smartcharging.NewProfileSet(),
		authCache:            authCache,
		engine:               physics.New(vehicle, charger, opts.InitialSoc, opts.TargetSoc, 0, nil),
		validator:            v,
		clk:                  clk,
		emitter:              deps.Emitter,
		mailbox:              make(chan func(), 256),
		alignedReload:        make(chan struct{}, 1),
		state:                StateDisconnected,
		heartbeatInterval:    opts.HeartbeatInterval,
		meterInterval:        opts.MeterInterval,
		clockAlignedInterval: opts.ClockAlignedInterval,
		measurands: []ocpp16.Measurand{
			ocpp16.MeasurandEnergyActiveImportRegister,
			ocpp16.MeasurandPowerActiveImport,
			ocpp16.MeasurandSoC,
			ocpp16.MeasurandCurrentImport,
			ocpp16.MeasurandVoltage,
		},
		firmwareStatus:    ocpp16.FirmwareStatusIdle,
		diagnosticsStatus: ocpp16.DiagnosticsStatusIdle,
		txSamples:         ringbuf.New[ocpp16.MeterValue](bufferCapacity),
		messages:          ringbuf.New[events.MessageRecord](bufferCapacity),
		logLines:          ringbuf.New[events.LogEntry](bufferCapacity),
	}

	s.logger = deps.Logger.With().
		Str("session_id", s.id).
		Str("charge_point_id", opts.ChargePointID).
		Logger()
	s.pending = protocol.NewPendingTable(clk, s.logger)

	if deps.Transport != nil {
		s.transport = deps.Transport
	} else {
		s.transport = websocket.NewClient(opts.CSMS, opts.ChargePointID, s, s.logger)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(3)
	go s.loop()
	go s.tickLoop()
	go s.clockAlignedLoop()
	return s, nil
}

// ID 会话内部标识
func (s *Session) ID() string {
	return s.id
}

// ChargePointID 充电桩标识
func (s *Session) ChargePointID() string {
	return s.opts.ChargePointID
}

// Close 销毁会话: 取消邮箱、断开链路、作废全部挂起请求。幂等。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.transport.Disconnect()
		s.pending.FailAll(protocol.ErrCancelled)
		s.wg.Wait()
		s.logger.Info().Msg("Session closed")
	})
}

// loop 邮箱协程: 串行执行全部状态变更
func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// post 投递闭包, 会话关闭时返回false。可能阻塞调用方。
func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// postAsync 非阻塞投递, 邮箱满时转入溢出队列, 由单个冲刷协程按
// 原始顺序送回邮箱。链路回调使用它, 避免与等待链路协程退出的命令
// 互相死锁。
func (s *Session) postAsync(fn func()) {
	s.overflowMu.Lock()
	if s.overflowBusy {
		// 冲刷进行中, 直接入队保持顺序
		s.overflow = append(s.overflow, fn)
		s.overflowMu.Unlock()
		return
	}
	select {
	case s.mailbox <- fn:
		s.overflowMu.Unlock()
		return
	default:
	}
	s.overflow = append(s.overflow, fn)
	s.overflowBusy = true
	s.overflowMu.Unlock()
	go s.flushOverflow()
}

// flushOverflow 把溢出队列按序送回邮箱
func (s *Session) flushOverflow() {
	for {
		s.overflowMu.Lock()
		if len(s.overflow) == 0 {
			s.overflowBusy = false
			s.overflowMu.Unlock()
			return
		}
		fn := s.overflow[0]
		s.overflow = s.overflow[1:]
		s.overflowMu.Unlock()

		select {
		case s.mailbox <- fn:
		case <-s.ctx.Done():
			s.overflowMu.Lock()
			s.overflow = nil
			s.overflowBusy = false
			s.overflowMu.Unlock()
			return
		}
	}
}

// call 在邮箱协程中执行fn并等待其返回值
func (s *Session) call(fn func() error) error {
	done := make(chan error, 1)
	if !s.post(func() { done <- fn() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Connect 建立到CSMS的连接。连接成功后自动发送BootNotification。
func (s *Session) Connect(ctx context.Context) error {
	return s.call(func() error {
		if s.state != StateDisconnected {
			return &StateError{Op: "connect", State: s.state}
		}
		if err := s.transport.Connect(ctx); err != nil {
			return fmt.Errorf("transport connect: %w", err)
		}
		return nil
	})
}

// Disconnect 主动断开连接。进行中的交易被标记为中断, 重连成功后补发
// 最终StopTransaction。
func (s *Session) Disconnect() error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "disconnect", State: s.state}
		}
		go s.transport.Disconnect()
		return nil
	})
}

// PlugIn 模拟插枪。预约中的会话要求idTag与预约一致。
func (s *Session) PlugIn() error {
	return s.call(func() error {
		switch s.state {
		case StateAvailable, StateReserved:
			return s.transitionTo(StatePreparing, "plug_in")
		default:
			return &StateError{Op: "plug_in", State: s.state}
		}
	})
}

// Unplug 模拟拔枪, 仅在未开始交易时允许
func (s *Session) Unplug() error {
	return s.call(func() error {
		if s.state != StatePreparing {
			return &StateError{Op: "unplug", State: s.state}
		}
		return s.transitionTo(StateAvailable, "unplug")
	})
}

// StartCharging 发起授权与开始交易序列。idTag为空时使用模板默认值。
func (s *Session) StartCharging(idTag string) error {
	return s.call(func() error {
		if s.state != StatePreparing {
			return &StateError{Op: "start_charging", State: s.state}
		}
		if idTag == "" {
			idTag = s.opts.IdTag
		}
		s.beginAuthorize(idTag)
		return nil
	})
}

// StopCharging 结束当前交易
func (s *Session) StopCharging() error {
	return s.call(func() error {
		switch s.state {
		case StateCharging, StateSuspendedEV, StateSuspendedEVSE:
			s.beginStop(ocpp16.ReasonLocal)
			return nil
		default:
			return &StateError{Op: "stop_charging", State: s.state}
		}
	})
}

// Suspend 模拟车侧暂停充电
func (s *Session) Suspend() error {
	return s.call(func() error {
		if s.state != StateCharging {
			return &StateError{Op: "suspend", State: s.state}
		}
		return s.transitionTo(StateSuspendedEV, "ev_suspend")
	})
}

// Resume 恢复车侧暂停的充电
func (s *Session) Resume() error {
	return s.call(func() error {
		if s.state != StateSuspendedEV {
			return &StateError{Op: "resume", State: s.state}
		}
		s.engine.ResetRamp()
		return s.transitionTo(StateCharging, "ev_resume")
	})
}

// InjectFault 注入硬件故障, 会话进入FAULTED并上报errorCode
func (s *Session) InjectFault(code ocpp16.ChargePointErrorCode) error {
	return s.call(func() error {
		if s.state == StateDisconnected || s.state == StateFaulted {
			return &StateError{Op: "inject_fault", State: s.state}
		}
		if s.transactionID != nil {
			s.beginStop(ocpp16.ReasonEmergencyStop)
		}
		s.state = StateFaulted
		s.sendStatusNotification(ocpp16.ChargePointStatusFaulted, code)
		s.emitTransition(string(s.state), "fault")
		return nil
	})
}

// ClearFault 清除故障, 回到AVAILABLE
func (s *Session) ClearFault() error {
	return s.call(func() error {
		if s.state != StateFaulted {
			return &StateError{Op: "clear_fault", State: s.state}
		}
		return s.transitionTo(StateAvailable, "fault_cleared")
	})
}

// SetTargetSoc 调整目标电量
func (s *Session) SetTargetSoc(target float64) error {
	return s.call(func() error {
		if target <= 0 || target > 100 {
			return &ConfigurationError{Field: "targetSoc", Reason: fmt.Sprintf("value %.1f out of range", target)}
		}
		s.engine.SetTargetSoc(target)
		return nil
	})
}

// ActiveLimitKW 当前生效的智能充电限值(kW), 无限制时返回+Inf。
// 已关闭的会话视为无限制。
func (s *Session) ActiveLimitKW() float64 {
	var limit float64
	if err := s.call(func() error {
		limit = s.effectiveLimitW()
		return nil
	}); err != nil {
		return math.Inf(1)
	}
	if math.IsInf(limit, 1) {
		return limit
	}
	return limit / 1000
}

// SendBootNotification 手动补发一次BootNotification
func (s *Session) SendBootNotification() error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "send_boot_notification", State: s.state}
		}
		s.sendBootNotification()
		return nil
	})
}

// SendAuthorize 独立发送一次Authorize探测, 不触发交易流程。
// 应答结果写入授权缓存。
func (s *Session) SendAuthorize(idTag string) error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "send_authorize", State: s.state}
		}
		if idTag == "" {
			idTag = s.opts.IdTag
		}
		tag := idTag
		s.sendCall(ocpp16.ActionAuthorize, ocpp16.AuthorizeRequest{IdTag: tag}, s.opts.CallTimeout, func(result protocol.Result) {
			if result.Err != nil {
				s.logger.Warn().Err(result.Err).Str("id_tag", tag).Msg("Authorize probe failed")
				return
			}
			var response ocpp16.AuthorizeResponse
			if err := json.Unmarshal(result.Payload, &response); err != nil {
				s.noteProtocolError(&ProtocolViolation{Reason: "malformed Authorize response", Cause: err})
				return
			}
			s.authCache.Put(tag, response.IdTagInfo)
			s.appendLog("info", "auth", fmt.Sprintf("idTag %s probe: %s", tag, response.IdTagInfo.Status))
		})
		return nil
	})
}

// SendHeartbeat 立即发送一次心跳, 在途时合并
func (s *Session) SendHeartbeat() error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "send_heartbeat", State: s.state}
		}
		s.sendHeartbeat()
		return nil
	})
}

// SendMeterValues 立即上报一次电表采样
func (s *Session) SendMeterValues() error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "send_meter_values", State: s.state}
		}
		s.sendMeterValues(ocpp16.ReadingContextTrigger)
		return nil
	})
}

// SendStatusNotification 按当前状态上报一次StatusNotification
func (s *Session) SendStatusNotification() error {
	return s.call(func() error {
		if s.state == StateDisconnected {
			return &StateError{Op: "send_status_notification", State: s.state}
		}
		s.sendStatusNotification(ConnectorStatus(s.state), ocpp16.ChargePointErrorCodeNoError)
		return nil
	})
}

// SetChargingProfile 本地安装充电配置, 与SetChargingProfile指令同语义
func (s *Session) SetChargingProfile(profile ocpp16.ChargingProfile, connectorID int) error {
	return s.call(func() error {
		if connectorID > s.opts.ConnectorCount {
			return &ConfigurationError{Field: "connectorId", Reason: fmt.Sprintf("connector %d out of range", connectorID)}
		}
		if !s.profiles.Set(profile, connectorID) {
			return &ConfigurationError{Field: "csChargingProfiles", Reason: fmt.Sprintf("profile %d rejected", profile.ChargingProfileId)}
		}
		return nil
	})
}

// ClearChargingProfile 按条件清除充电配置, 返回清除数量
func (s *Session) ClearChargingProfile(criteria smartcharging.ClearCriteria) int {
	var removed int
	s.call(func() error {
		removed = s.profiles.Clear(criteria)
		return nil
	})
	return removed
}

// CompositeSchedule 计算从当前时刻起duration秒内的复合充电计划
func (s *Session) CompositeSchedule(duration int, unit ocpp16.ChargingRateUnitType) ocpp16.ChargingSchedule {
	var schedule ocpp16.ChargingSchedule
	s.call(func() error {
		schedule = s.profiles.CompositeSchedule(smartcharging.Query{
			Now:               s.clk.Now(),
			TransactionID:     s.transactionID,
			ChargingStartedAt: s.chargingStartedAt,
			Charger:           s.charger,
		}, duration, unit)
		return nil
	})
	return schedule
}

// Snapshot 会话可观测状态的一致快照
type Snapshot struct {
	ID            string
	ChargePointID string
	State         State
	LinkState     websocket.LinkState
	ChargerType   string
	VehicleID     string

	Soc       float64
	TargetSoc float64
	EnergyWh  float64
	PowerW    float64
	OfferedW  float64
	CurrentA  float64
	VoltageV  float64

	TransactionID *int
	ReservationID *int

	HeartbeatInterval time.Duration
	MeterInterval     time.Duration
	QueueLen          int
	ConnectedAt       time.Time
}

// Snapshot 获取会话快照
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	err := s.call(func() error {
		snap = s.snapshotLocked()
		return nil
	})
	if err != nil {
		snap.ID = s.id
		snap.ChargePointID = s.opts.ChargePointID
		snap.State = StateDisconnected
	}
	return snap
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                s.id,
		ChargePointID:     s.opts.ChargePointID,
		State:             s.state,
		LinkState:         s.transport.State(),
		ChargerType:       s.charger.Name,
		VehicleID:         s.vehicle.ID,
		Soc:               s.engine.Soc(),
		TargetSoc:         s.engine.TargetSoc(),
		EnergyWh:          s.engine.EnergyWh(),
		PowerW:            s.lastSample.PowerW,
		OfferedW:          s.lastSample.OfferedW,
		CurrentA:          s.lastSample.CurrentA,
		VoltageV:          s.lastSample.VoltageV,
		HeartbeatInterval: s.heartbeatInterval,
		MeterInterval:     s.meterInterval,
		QueueLen:          s.transport.QueueLen(),
		ConnectedAt:       s.connectedAt,
	}
	if s.transactionID != nil {
		id := *s.transactionID
		snap.TransactionID = &id
	}
	if s.reserved != nil {
		id := s.reserved.id
		snap.ReservationID = &id
	}
	return snap
}

// State 当前会话状态
func (s *Session) State() State {
	var state State
	if err := s.call(func() error {
		state = s.state
		return nil
	}); err != nil {
		return StateDisconnected
	}
	return state
}

// Messages 报文环形缓冲的快照, 从旧到新
func (s *Session) Messages() []events.MessageRecord {
	var records []events.MessageRecord
	s.call(func() error {
		records = s.messages.Snapshot()
		return nil
	})
	return records
}

// Logs 日志环形缓冲的快照, 从旧到新
func (s *Session) Logs() []events.LogEntry {
	var entries []events.LogEntry
	s.call(func() error {
		entries = s.logLines.Snapshot()
		return nil
	})
	return entries
}

// HandleConnected 实现websocket.Handler
func (s *Session) HandleConnected(reconnected bool) {
	s.postAsync(func() { s.onConnected(reconnected) })
}

// HandleDisconnected 实现websocket.Handler
func (s *Session) HandleDisconnected(err error) {
	s.postAsync(func() { s.onDisconnected(err) })
}

// HandleFrame 实现websocket.Handler
func (s *Session) HandleFrame(data []byte) {
	// 回调协程持有的缓冲区在返回后可能被复用
	frame := make([]byte, len(data))
	copy(frame, data)
	s.postAsync(func() { s.onFrame(frame) })
}

// onConnected 链路建立: 进入BOOTING并发送BootNotification
func (s *Session) onConnected(reconnected bool) {
	if reconnected {
		metrics.Reconnects.Inc()
	}
	s.connectedAt = s.clk.Now()
	if s.state != StateDisconnected {
		// 链路层重连, 会话端先回到断开状态
		s.toDisconnected("link_reset")
	}
	if err := s.transitionTo(StateBooting, "connected"); err != nil {
		s.logger.Error().Err(err).Msg("Failed to enter BOOTING")
		return
	}
	s.sendBootNotification()
}

// onDisconnected 链路断开: 作废挂起请求, 打断进行中的交易
func (s *Session) onDisconnected(err error) {
	failed := s.pending.FailAll(protocol.ErrTransportClosed)
	if failed > 0 {
		s.logger.Warn().Int("failed_calls", failed).Msg("Pending calls failed by disconnect")
	}
	s.heartbeatInFlight = false
	if s.state == StateDisconnected {
		return
	}
	s.appendLog("warn", "transport", fmt.Sprintf("link lost: %v", err))
	s.toDisconnected("link_lost")
}

// toDisconnected 迁移到DISCONNECTED, 打断进行中的交易
func (s *Session) toDisconnected(trigger string) {
	if s.transactionID != nil && s.interrupted == nil {
		s.markInterrupted(ocpp16.ReasonPowerLoss)
	}
	from := s.state
	s.state = StateDisconnected
	s.emitTransition(string(from), trigger)
}

// markInterrupted 记录被打断的交易, 待重新Boot后补发StopTransaction
func (s *Session) markInterrupted(reason ocpp16.Reason) {
	if s.transactionID == nil {
		return
	}
	s.interrupted = &interruptedTx{
		transactionID: *s.transactionID,
		meterStop:     int(math.Round(s.engine.EnergyWh())),
		reason:        reason,
		samples:       s.txSamples.Snapshot(),
	}
	s.transactionID = nil
	s.txSamples.Clear()
	s.logger.Warn().
		Int("transaction_id", s.interrupted.transactionID).
		Str("reason", string(reason)).
		Msg("Transaction interrupted")
}

// transitionTo 执行状态迁移并发出StatusNotification与迁移事件
func (s *Session) transitionTo(to State, trigger string) error {
	if !CanTransition(s.state, to) {
		return &TransitionError{From: s.state, To: to}
	}
	from := s.state
	s.state = to

	if to != StateDisconnected && to != StateBooting {
		s.sendStatusNotification(ConnectorStatus(to), ocpp16.ChargePointErrorCodeNoError)
	}
	s.logger.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", trigger).
		Msg("State transition")
	s.appendLog("info", "session", fmt.Sprintf("%s -> %s (%s)", from, to, trigger))
	s.emitTransitionFrom(string(from), string(to), trigger)
	return nil
}

func (s *Session) emitTransition(from, trigger string) {
	s.emitTransitionFrom(from, string(s.state), trigger)
}

func (s *Session) emitTransitionFrom(from, to, trigger string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.NewStateTransitionEvent(s.id, s.opts.ChargePointID, 1, from, to, trigger))
}

// appendLog 写入会话日志环形缓冲
func (s *Session) appendLog(level, source, message string) {
	entry := events.LogEntry{
		Timestamp: s.clk.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
	s.logLines.Append(entry)
	if s.emitter != nil {
		s.emitter.Emit(events.NewLogLineEvent(s.id, s.opts.ChargePointID, entry))
	}
}

// recordFrame 报文记录: 环形缓冲 + 事件流 + 指标
func (s *Session) recordFrame(direction events.Direction, frameType events.FrameType, action ocpp16.Action, uniqueID string, payload json.RawMessage) {
	record := events.MessageRecord{
		Timestamp: s.clk.Now().UTC(),
		Direction: direction,
		Frame:     frameType,
		Action:    string(action),
		UniqueID:  uniqueID,
		Payload:   payload,
	}
	s.messages.Append(record)

	label := string(action)
	if label == "" {
		label = string(frameType)
	}
	if direction == events.DirectionOut {
		metrics.FramesSent.WithLabelValues(label).Inc()
	} else {
		metrics.FramesReceived.WithLabelValues(label).Inc()
	}
	if s.emitter != nil {
		s.emitter.Emit(events.NewOCPPMessageEvent(s.id, s.opts.ChargePointID, record))
	}
}

// effectiveLimitW 解析当前智能充电限值
func (s *Session) effectiveLimitW() float64 {
	return s.profiles.EffectiveLimitW(smartcharging.Query{
		Now:               s.clk.Now(),
		TransactionID:     s.transactionID,
		ChargingStartedAt: s.chargingStartedAt,
		Charger:           s.charger,
	})
}

// noteProtocolError 记录协议错误, 超阈值时强制重连
func (s *Session) noteProtocolError(violation *ProtocolViolation) {
	now := s.clk.Now()
	metrics.CallErrors.WithLabelValues("inbound", string(ocpp16.ErrorCodeProtocolError)).Inc()
	s.logger.Warn().Err(violation).Msg("Protocol error")
	s.appendLog("warn", "protocol", violation.Error())

	kept := s.protocolErrors[:0]
	for _, at := range s.protocolErrors {
		if now.Sub(at) < protocolErrorWindow {
			kept = append(kept, at)
		}
	}
	s.protocolErrors = append(kept, now)

	if len(s.protocolErrors) >= protocolErrorThreshold {
		s.protocolErrors = s.protocolErrors[:0]
		s.logger.Warn().Msg("Protocol error threshold exceeded, forcing reconnect")
		s.forceReconnect()
	}
}

// forceReconnect 重建链路。断开与重拨在独立协程执行, 重连成功后
// 由onConnected重新走Boot流程。
func (s *Session) forceReconnect() {
	ctx := s.ctx
	transport := s.transport
	go func() {
		transport.Disconnect()
		if ctx.Err() != nil {
			return
		}
		if err := transport.Connect(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Forced reconnect failed")
		}
	}()
}
