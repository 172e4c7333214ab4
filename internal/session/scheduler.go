package session

import (
	"time"

	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/physics"
)

// tickLoop 调度协程: 每秒投递一次handleTick
func (s *Session) tickLoop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.postAsync(func() { s.handleTick(now) })
		}
	}
}

// clockAlignedLoop 整点采样协程: 把定时器对准下一个epochSeconds可被
// 采样间隔整除的UTC时刻, 触发后重新对准。配置变更通过alignedReload
// 打断当前等待。
func (s *Session) clockAlignedLoop() {
	defer s.wg.Done()
	for {
		var interval time.Duration
		if err := s.call(func() error {
			interval = s.clockAlignedInterval
			return nil
		}); err != nil {
			return
		}

		if interval < time.Second {
			// 整点采样关闭, 等待配置开启
			select {
			case <-s.ctx.Done():
				return
			case <-s.alignedReload:
			}
			continue
		}

		now := s.clk.Now()
		timer := s.clk.Timer(nextAlignedInstant(now, interval).Sub(now))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.alignedReload:
			timer.Stop()
		case <-timer.C:
			s.postAsync(func() { s.handleClockAligned() })
		}
	}
}

// nextAlignedInstant now之后第一个epochSeconds%interval==0的UTC时刻
func nextAlignedInstant(now time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	return time.Unix((now.Unix()/secs+1)*secs, 0).UTC()
}

// pokeAlignedReload 通知整点采样协程重新对准
func (s *Session) pokeAlignedReload() {
	select {
	case s.alignedReload <- struct{}{}:
	default:
	}
}

// handleClockAligned 发送一次整点对齐采样。在邮箱协程中运行。
func (s *Session) handleClockAligned() {
	if !s.opts.MeterValuesEnabled {
		return
	}
	if !s.state.Connected() || s.state == StateBooting {
		return
	}
	s.sendMeterValues(ocpp16.ReadingContextSampleClock)
}

// handleTick 单次调度: 超时扫描、Boot重试、物理推进、周期上报、
// 预约过期与固件/诊断状态序列。在邮箱协程中运行。
func (s *Session) handleTick(now time.Time) {
	if expired := s.pending.Expire(); expired > 0 {
		s.appendLog("warn", "ocpp", "pending calls expired")
	}

	if s.state == StateBooting && !s.nextBootRetryAt.IsZero() && !now.Before(s.nextBootRetryAt) {
		s.nextBootRetryAt = time.Time{}
		s.sendBootNotification()
	}

	s.stepPhysics(now)

	if s.state.Connected() && s.state != StateBooting {
		if s.opts.HeartbeatEnabled && !now.Before(s.nextHeartbeatAt) {
			s.sendHeartbeat()
			s.nextHeartbeatAt = now.Add(s.heartbeatInterval)
		}
		if s.opts.MeterValuesEnabled && s.state == StateCharging && !now.Before(s.nextMeterAt) {
			s.sendMeterValues(ocpp16.ReadingContextSamplePeriodic)
			s.nextMeterAt = now.Add(s.meterInterval)
		}
	}

	if s.reserved != nil && !now.Before(s.reserved.expiry) {
		s.appendLog("info", "session", "reservation expired")
		s.reserved = nil
		if s.state == StateReserved {
			if err := s.transitionTo(StateAvailable, "reservation_expired"); err != nil {
				s.logger.Error().Err(err).Msg("Reservation expiry transition failed")
			}
		}
	}

	s.advanceFirmwareSeq(now)
	s.advanceDiagnosticsSeq(now)
}

// stepPhysics 推进充电物理模型, 处理智能充电限值导致的暂停与恢复
func (s *Session) stepPhysics(now time.Time) {
	switch s.state {
	case StateCharging:
		limit := s.effectiveLimitW()
		if limit <= 0 {
			if err := s.transitionTo(StateSuspendedEVSE, "smart_limit_zero"); err != nil {
				s.logger.Error().Err(err).Msg("Suspend transition failed")
			}
			return
		}

		if s.lastPhysicsAt.IsZero() {
			s.lastPhysicsAt = now
			return
		}
		dt := now.Sub(s.lastPhysicsAt).Seconds()
		if dt <= 0 {
			return
		}
		s.lastPhysicsAt = now

		sample := s.engine.Step(dt, limit)
		s.lastSample = sample
		s.emitPhysicsTick(sample)

		if sample.TargetReached {
			s.appendLog("info", "physics", "target soc reached")
			s.beginStop(ocpp16.ReasonLocal)
		}

	case StateSuspendedEVSE:
		if s.effectiveLimitW() > 0 {
			s.engine.ResetRamp()
			s.lastPhysicsAt = now
			if err := s.transitionTo(StateCharging, "smart_limit_restored"); err != nil {
				s.logger.Error().Err(err).Msg("Resume transition failed")
			}
		}
	}
}

func (s *Session) emitPhysicsTick(sample physics.Sample) {
	if s.emitter == nil {
		return
	}
	snapshot := events.PhysicsSnapshot{
		State:     string(s.state),
		Soc:       sample.Soc,
		TargetSoc: s.engine.TargetSoc(),
		PowerW:    sample.PowerW,
		OfferedW:  sample.OfferedW,
		EnergyWh:  sample.EnergyWh,
		CurrentA:  sample.CurrentA,
		VoltageV:  sample.VoltageV,
	}
	if s.transactionID != nil {
		id := *s.transactionID
		snapshot.TransactionID = &id
	}
	s.emitter.Emit(events.NewPhysicsTickEvent(s.id, s.opts.ChargePointID, snapshot))
}

// advanceFirmwareSeq 推进固件更新状态序列
func (s *Session) advanceFirmwareSeq(now time.Time) {
	seq := s.firmwareSeq
	if seq == nil || now.Before(seq.nextAt) {
		return
	}
	status := ocpp16.FirmwareStatus(seq.states[seq.index])
	s.sendFirmwareStatus(status)
	seq.index++
	if seq.index >= len(seq.states) {
		s.firmwareSeq = nil
		return
	}
	seq.nextAt = now.Add(2 * time.Second)
}

// advanceDiagnosticsSeq 推进诊断上传状态序列
func (s *Session) advanceDiagnosticsSeq(now time.Time) {
	seq := s.diagnosticsSeq
	if seq == nil || now.Before(seq.nextAt) {
		return
	}
	status := ocpp16.DiagnosticsStatus(seq.states[seq.index])
	s.sendDiagnosticsStatus(status)
	seq.index++
	if seq.index >= len(seq.states) {
		s.diagnosticsSeq = nil
		return
	}
	seq.nextAt = now.Add(2 * time.Second)
}
