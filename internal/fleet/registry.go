package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/fleet-simulator/internal/config"
	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	"github.com/charging-platform/fleet-simulator/internal/session"
	"github.com/charging-platform/fleet-simulator/internal/storage"
)

// ErrSessionNotFound 指定的充电桩不在注册表中
var ErrSessionNotFound = errors.New("fleet: session not found")

// ErrSessionExists 充电桩标识已被占用
var ErrSessionExists = errors.New("fleet: session already exists")

// Deps 注册表的外部依赖, 零值字段取默认实现
type Deps struct {
	Clock   clock.Clock
	Logger  zerolog.Logger
	Emitter session.EventEmitter
	Store   storage.Store
	// NewTransport 会话链路工厂, nil时会话自建WebSocket客户端
	NewTransport func(chargePointID string) session.Transport
}

// BatchResult 一次批量操作的结果
type BatchResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Registry 车队注册表: 持有全部模拟会话, 提供批量操作与周期快照。
type Registry struct {
	cfg          *config.Config
	clk          clock.Clock
	logger       zerolog.Logger
	emitter      session.EventEmitter
	store        storage.Store
	newTransport func(chargePointID string) session.Transport

	mu       sync.RWMutex
	sessions map[string]*session.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewRegistry 创建注册表并启动快照协程
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	store := deps.Store
	if store == nil {
		store = storage.NewNoopStore()
	}

	r := &Registry{
		cfg:          cfg,
		clk:          clk,
		logger:       deps.Logger.With().Str("component", "fleet").Logger(),
		emitter:      deps.Emitter,
		store:        store,
		newTransport: deps.NewTransport,
		sessions:     make(map[string]*session.Session),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if cfg.Fleet.SnapshotPeriod > 0 {
		r.wg.Add(1)
		go r.snapshotLoop()
	}
	return r
}

// Close 停止快照协程并销毁全部会话
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		sessions := make([]*session.Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.sessions = make(map[string]*session.Session)
		r.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		r.logger.Info().Int("sessions", len(sessions)).Msg("fleet registry closed")
	})
}

// Create 创建并登记一个会话
func (r *Registry) Create(opts session.Options) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max := r.cfg.Fleet.MaxSessions; max > 0 && len(r.sessions) >= max {
		return nil, fmt.Errorf("fleet: session limit %d reached", max)
	}
	if _, exists := r.sessions[opts.ChargePointID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, opts.ChargePointID)
	}

	deps := session.Deps{
		Clock:   r.clk,
		Logger:  r.logger,
		Emitter: r.emitter,
	}
	if r.newTransport != nil {
		deps.Transport = r.newTransport(opts.ChargePointID)
	}

	s, err := session.New(opts, deps)
	if err != nil {
		return nil, err
	}
	r.sessions[opts.ChargePointID] = s

	r.logger.Info().
		Str("charge_point_id", opts.ChargePointID).
		Int("fleet_size", len(r.sessions)).
		Msg("session created")
	return s, nil
}

// CreateBatch 按模板批量创建会话, 标识为 prefix-0001 起的序号
func (r *Registry) CreateBatch(prefix string, count int) (BatchResult, error) {
	if prefix == "" {
		return BatchResult{}, fmt.Errorf("fleet: batch prefix is required")
	}
	if count < 1 {
		return BatchResult{}, fmt.Errorf("fleet: batch count must be positive, got %d", count)
	}

	result := BatchResult{Attempted: count}
	for i := 1; i <= count; i++ {
		opts := session.OptionsFromConfig(r.cfg, fmt.Sprintf("%s-%04d", prefix, i))
		if _, err := r.Create(opts); err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, opts.ChargePointID)
			r.logger.Warn().Err(err).Str("charge_point_id", opts.ChargePointID).Msg("batch create failed")
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// Get 按充电桩标识查找会话
func (r *Registry) Get(chargePointID string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[chargePointID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, chargePointID)
	}
	return s, nil
}

// List 全部会话, 按充电桩标识排序
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChargePointID() < out[j].ChargePointID()
	})
	return out
}

// Len 当前会话数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots 全部会话的状态快照
func (r *Registry) Snapshots() []session.Snapshot {
	sessions := r.List()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// ListByState 处于指定状态的会话
func (r *Registry) ListByState(state session.State) []*session.Session {
	var out []*session.Session
	for _, s := range r.List() {
		if s.State() == state {
			out = append(out, s)
		}
	}
	return out
}

// ListConnected 链路已建立(非断开状态)的会话
func (r *Registry) ListConnected() []*session.Session {
	var out []*session.Session
	for _, s := range r.List() {
		if s.State() != session.StateDisconnected {
			out = append(out, s)
		}
	}
	return out
}

// ListCharging 持有活动交易的会话, 含暂停充电状态
func (r *Registry) ListCharging() []*session.Session {
	var out []*session.Session
	for _, s := range r.List() {
		switch s.State() {
		case session.StateCharging, session.StateSuspendedEV, session.StateSuspendedEVSE:
			out = append(out, s)
		}
	}
	return out
}

// Delete 销毁会话并删除其持久化快照
func (r *Registry) Delete(ctx context.Context, chargePointID string) error {
	r.mu.Lock()
	s, exists := r.sessions[chargePointID]
	if exists {
		delete(r.sessions, chargePointID)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, chargePointID)
	}

	s.Close()
	if err := r.store.DeleteSession(ctx, chargePointID); err != nil {
		r.logger.Warn().Err(err).Str("charge_point_id", chargePointID).Msg("failed to delete session snapshot")
	}
	r.logger.Info().Str("charge_point_id", chargePointID).Msg("session deleted")
	return nil
}

// DeleteDisconnected 清理全部处于断开状态的会话, 返回清理数量
func (r *Registry) DeleteDisconnected(ctx context.Context) int {
	removed := 0
	for _, s := range r.List() {
		if s.State() != session.StateDisconnected {
			continue
		}
		if err := r.Delete(ctx, s.ChargePointID()); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("disconnected sessions cleaned up")
	}
	return removed
}

// ConnectAll 批量建立连接
func (r *Registry) ConnectAll(ctx context.Context) BatchResult {
	return r.batch(ctx, "connect_all", func(ctx context.Context, s *session.Session) error {
		return s.Connect(ctx)
	})
}

// DisconnectAll 批量断开连接, 已断开的会话视为成功
func (r *Registry) DisconnectAll(ctx context.Context) BatchResult {
	return r.batch(ctx, "disconnect_all", func(_ context.Context, s *session.Session) error {
		if s.State() == session.StateDisconnected {
			return nil
		}
		return s.Disconnect()
	})
}

// BootAll 批量补发BootNotification, 未建链的会话记为失败
func (r *Registry) BootAll(ctx context.Context) BatchResult {
	return r.batch(ctx, "boot_all", func(_ context.Context, s *session.Session) error {
		return s.SendBootNotification()
	})
}

// StartAll 批量插枪并发起充电
func (r *Registry) StartAll(ctx context.Context, idTag string) BatchResult {
	return r.batch(ctx, "start_all", func(_ context.Context, s *session.Session) error {
		switch s.State() {
		case session.StateAvailable, session.StateReserved:
			if err := s.PlugIn(); err != nil {
				return err
			}
		}
		return s.StartCharging(idTag)
	})
}

// StopAll 批量结束充电
func (r *Registry) StopAll(ctx context.Context) BatchResult {
	return r.batch(ctx, "stop_all", func(_ context.Context, s *session.Session) error {
		return s.StopCharging()
	})
}

// batch 以有界并发对全部会话执行fn
func (r *Registry) batch(ctx context.Context, op string, fn func(context.Context, *session.Session) error) BatchResult {
	sessions := r.List()
	result := BatchResult{Attempted: len(sessions)}
	if len(sessions) == 0 {
		return result
	}

	start := time.Now()
	defer func() {
		metrics.BatchOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if r.cfg.Fleet.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Fleet.BatchTimeout)
		defer cancel()
	}

	workers := r.cfg.Fleet.BatchWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(sessions) {
		workers = len(sessions)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan *session.Session)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				if err := fn(ctx, s); err != nil {
					mu.Lock()
					result.Failed++
					result.FailedIDs = append(result.FailedIDs, s.ChargePointID())
					mu.Unlock()
					r.logger.Warn().
						Err(err).
						Str("op", op).
						Str("charge_point_id", s.ChargePointID()).
						Msg("batch operation failed")
					continue
				}
				mu.Lock()
				result.Succeeded++
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, s := range sessions {
		select {
		case jobs <- s:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	// 超时未执行到的会话计为失败
	if skipped := result.Attempted - result.Succeeded - result.Failed; skipped > 0 {
		result.Failed += skipped
	}
	sort.Strings(result.FailedIDs)

	r.logger.Info().
		Str("op", op).
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("batch operation finished")
	return result
}

// snapshotLoop 周期聚合车队状态: 更新指标、发布事件、持久化快照
func (r *Registry) snapshotLoop() {
	defer r.wg.Done()

	ticker := r.clk.Ticker(r.cfg.Fleet.SnapshotPeriod)
	defer ticker.Stop()

	var lastEnergyWh float64
	var lastAt time.Time

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			lastEnergyWh, lastAt = r.publishSnapshot(now, lastEnergyWh, lastAt)
		}
	}
}

// publishSnapshot 采集一轮车队快照, 返回本轮能量与时刻供下轮算吞吐
func (r *Registry) publishSnapshot(now time.Time, lastEnergyWh float64, lastAt time.Time) (float64, time.Time) {
	snapshots := r.Snapshots()

	counts := make(map[string]int, len(session.States()))
	for _, state := range session.States() {
		counts[string(state)] = 0
	}

	var totalPowerW, totalEnergyWh float64
	activeTx := 0
	for _, snap := range snapshots {
		counts[string(snap.State)]++
		totalPowerW += snap.PowerW
		totalEnergyWh += snap.EnergyWh
		if snap.TransactionID != nil {
			activeTx++
		}
	}

	for state, count := range counts {
		metrics.SessionsByState.WithLabelValues(state).Set(float64(count))
	}
	metrics.ActiveTransactions.Set(float64(activeTx))
	metrics.FleetPowerWatts.Set(totalPowerW)
	metrics.FleetEnergyWattHours.Set(totalEnergyWh)

	// 吞吐按两轮快照间的能量增量折算为Wh/s
	throughput := 0.0
	if !lastAt.IsZero() && now.After(lastAt) {
		throughput = (totalEnergyWh - lastEnergyWh) / now.Sub(lastAt).Seconds()
	}

	if r.emitter != nil {
		r.emitter.Emit(events.NewFleetMetricsEvent(events.FleetSnapshot{
			TotalSessions:    len(snapshots),
			CountsByState:    counts,
			TotalPowerW:      totalPowerW,
			TotalEnergyWh:    totalEnergyWh,
			ThroughputPerSec: throughput,
		}))
	}

	for _, snap := range snapshots {
		record := storage.SessionSnapshot{
			ChargePointID: snap.ChargePointID,
			State:         string(snap.State),
			ChargerType:   snap.ChargerType,
			VehicleID:     snap.VehicleID,
			Soc:           snap.Soc,
			EnergyWh:      snap.EnergyWh,
			PowerW:        snap.PowerW,
			TransactionID: snap.TransactionID,
			ConnectedAt:   snap.ConnectedAt,
			UpdatedAt:     now.UTC(),
		}
		if err := r.store.SaveSession(r.ctx, record); err != nil {
			r.logger.Warn().Err(err).Str("charge_point_id", snap.ChargePointID).Msg("failed to persist session snapshot")
			break
		}
	}

	return totalEnergyWh, now
}
