package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/domain/serialization"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	protocol "github.com/charging-platform/fleet-simulator/internal/protocol/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/transport/websocket"
)

// sendCall 编码并入队一条出站CALL。cont在邮箱协程中收到最终结局
// (响应、CALLERROR或超时), 可为nil。
func (s *Session) sendCall(action ocpp16.Action, payload interface{}, timeout time.Duration, cont func(protocol.Result)) {
	uniqueID, resultCh, err := s.pending.Register(action, timeout)
	if err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("Failed to register call")
		return
	}

	data, err := serialization.EncodeCall(uniqueID, action, payload)
	if err != nil {
		s.pending.Cancel(uniqueID)
		s.logger.Error().Err(err).Str("action", string(action)).Msg("Failed to encode call")
		return
	}

	if !s.transport.Enqueue(websocket.OutboundFrame{Kind: websocket.FrameKindCall, Action: action, Data: data}) {
		s.pending.Cancel(uniqueID)
		metrics.QueueDroppedFrames.Inc()
		s.logger.Debug().Str("action", string(action)).Msg("Call dropped by send queue")
		return
	}

	raw, _ := json.Marshal(payload)
	s.recordFrame(events.DirectionOut, events.FrameCall, action, uniqueID, raw)

	start := s.clk.Now()
	go func() {
		result := <-resultCh
		s.postAsync(func() {
			metrics.CallDuration.WithLabelValues(string(action)).Observe(s.clk.Now().Sub(start).Seconds())
			if errors.Is(result.Err, protocol.ErrTimeout) {
				metrics.CallTimeouts.WithLabelValues(string(action)).Inc()
			}
			if cont != nil {
				cont(result)
			}
		})
	}()
}

// sendResult 对CSMS请求回复CALLRESULT
func (s *Session) sendResult(uniqueID string, action ocpp16.Action, payload interface{}) {
	data, err := serialization.EncodeCallResult(uniqueID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("unique_id", uniqueID).Msg("Failed to encode call result")
		return
	}
	s.transport.Enqueue(websocket.OutboundFrame{Kind: websocket.FrameKindResult, Action: action, Data: data})
	raw, _ := json.Marshal(payload)
	s.recordFrame(events.DirectionOut, events.FrameCallResult, action, uniqueID, raw)
}

// sendError 对CSMS请求回复CALLERROR
func (s *Session) sendError(uniqueID string, action ocpp16.Action, code ocpp16.CallErrorCode, description string) {
	data, err := serialization.EncodeCallError(uniqueID, code, description, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("unique_id", uniqueID).Msg("Failed to encode call error")
		return
	}
	s.transport.Enqueue(websocket.OutboundFrame{Kind: websocket.FrameKindError, Action: action, Data: data})
	metrics.CallErrors.WithLabelValues("outbound", string(code)).Inc()
	s.recordFrame(events.DirectionOut, events.FrameCallError, action, uniqueID, nil)
}

// sendBootNotification 发送启动通知
func (s *Session) sendBootNotification() {
	firmware := s.opts.FirmwareVersion
	payload := ocpp16.BootNotificationRequest{
		ChargePointVendor: s.opts.Vendor,
		ChargePointModel:  s.opts.Model,
	}
	if firmware != "" {
		payload.FirmwareVersion = &firmware
	}
	if s.opts.SerialNumber != "" {
		serial := s.opts.SerialNumber
		payload.ChargePointSerialNumber = &serial
	}
	s.sendCall(ocpp16.ActionBootNotification, payload, s.opts.BootCallTimeout, s.onBootResult)
}

// onBootResult 处理BootNotification结局
func (s *Session) onBootResult(result protocol.Result) {
	if s.state != StateBooting {
		return
	}
	if result.Err != nil {
		if errors.Is(result.Err, protocol.ErrTransportClosed) || errors.Is(result.Err, protocol.ErrCancelled) {
			return
		}
		s.logger.Warn().Err(result.Err).Msg("BootNotification failed, will retry")
		s.nextBootRetryAt = s.clk.Now().Add(s.opts.CSMS.BackoffInitial + protocol.DefaultCallTimeout)
		return
	}

	var response ocpp16.BootNotificationResponse
	if err := json.Unmarshal(result.Payload, &response); err != nil {
		s.noteProtocolError(&ProtocolViolation{Reason: "malformed BootNotification response", Cause: err})
		return
	}

	interval := time.Duration(response.Interval) * time.Second
	switch response.Status {
	case ocpp16.RegistrationStatusAccepted:
		if interval > 0 {
			s.heartbeatInterval = interval
		}
		now := s.clk.Now()
		s.nextHeartbeatAt = now.Add(s.heartbeatInterval)
		s.nextMeterAt = now.Add(s.meterInterval)
		s.appendLog("info", "ocpp", fmt.Sprintf("boot accepted, heartbeat interval %s", s.heartbeatInterval))
		if err := s.transitionTo(StateAvailable, "boot_accepted"); err != nil {
			s.logger.Error().Err(err).Msg("Boot transition failed")
			return
		}
		s.flushInterrupted()

	default:
		if interval <= 0 {
			interval = s.heartbeatInterval
		}
		s.nextBootRetryAt = s.clk.Now().Add(interval)
		s.appendLog("warn", "ocpp", fmt.Sprintf("boot %s, retry in %s", response.Status, interval))
	}
}

// flushInterrupted 补发被打断交易的最终StopTransaction
func (s *Session) flushInterrupted() {
	tx := s.interrupted
	if tx == nil {
		return
	}
	s.interrupted = nil

	reason := tx.reason
	payload := ocpp16.StopTransactionRequest{
		MeterStop:       tx.meterStop,
		Timestamp:       ocpp16.NewDateTime(s.clk.Now()),
		TransactionId:   tx.transactionID,
		Reason:          &reason,
		TransactionData: tx.samples,
	}
	s.logger.Info().
		Int("transaction_id", tx.transactionID).
		Str("reason", string(reason)).
		Msg("Sending final StopTransaction for interrupted transaction")
	s.sendCall(ocpp16.ActionStopTransaction, payload, s.opts.CallTimeout, nil)
}

// sendHeartbeat 发送心跳, 在途时合并跳过
func (s *Session) sendHeartbeat() {
	if s.heartbeatInFlight {
		return
	}
	s.heartbeatInFlight = true
	s.sendCall(ocpp16.ActionHeartbeat, ocpp16.HeartbeatRequest{}, s.opts.CallTimeout, func(result protocol.Result) {
		s.heartbeatInFlight = false
		if result.Err != nil {
			s.logger.Debug().Err(result.Err).Msg("Heartbeat failed")
		}
	})
}

// beginAuthorize 授权序列: 本地缓存命中Accepted时跳过线上Authorize
func (s *Session) beginAuthorize(idTag string) {
	if info, ok := s.authCache.Lookup(idTag); ok {
		if info.Status == ocpp16.AuthorizationStatusAccepted {
			s.appendLog("info", "auth", fmt.Sprintf("idTag %s authorized from cache", idTag))
			s.beginStartTransaction(idTag)
			return
		}
		s.appendLog("warn", "auth", fmt.Sprintf("idTag %s rejected from cache: %s", idTag, info.Status))
		return
	}

	s.sendCall(ocpp16.ActionAuthorize, ocpp16.AuthorizeRequest{IdTag: idTag}, s.opts.CallTimeout, func(result protocol.Result) {
		if result.Err != nil {
			s.logger.Warn().Err(result.Err).Str("id_tag", idTag).Msg("Authorize failed")
			return
		}
		var response ocpp16.AuthorizeResponse
		if err := json.Unmarshal(result.Payload, &response); err != nil {
			s.noteProtocolError(&ProtocolViolation{Reason: "malformed Authorize response", Cause: err})
			return
		}
		s.authCache.Put(idTag, response.IdTagInfo)
		if response.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			s.appendLog("warn", "auth", fmt.Sprintf("idTag %s denied: %s", idTag, response.IdTagInfo.Status))
			return
		}
		if s.state != StatePreparing {
			return
		}
		s.beginStartTransaction(idTag)
	})
}

// beginStartTransaction 发送StartTransaction
func (s *Session) beginStartTransaction(idTag string) {
	meterStart := int(math.Round(s.engine.EnergyWh()))
	payload := ocpp16.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   ocpp16.NewDateTime(s.clk.Now()),
	}
	if s.reserved != nil && s.reserved.idTag == idTag {
		id := s.reserved.id
		payload.ReservationId = &id
		s.reserved = nil
	}

	s.sendCall(ocpp16.ActionStartTransaction, payload, s.opts.CallTimeout, func(result protocol.Result) {
		if result.Err != nil {
			s.logger.Warn().Err(result.Err).Msg("StartTransaction failed")
			return
		}
		var response ocpp16.StartTransactionResponse
		if err := json.Unmarshal(result.Payload, &response); err != nil {
			s.noteProtocolError(&ProtocolViolation{Reason: "malformed StartTransaction response", Cause: err})
			return
		}
		s.authCache.Put(idTag, response.IdTagInfo)

		if response.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			// 服务端已登记交易, 按DeAuthorized立即终止
			reason := ocpp16.ReasonDeAuthorized
			s.appendLog("warn", "auth", fmt.Sprintf("transaction %d deauthorized: %s", response.TransactionId, response.IdTagInfo.Status))
			s.sendCall(ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{
				MeterStop:     meterStart,
				Timestamp:     ocpp16.NewDateTime(s.clk.Now()),
				TransactionId: response.TransactionId,
				Reason:        &reason,
			}, s.opts.CallTimeout, nil)
			return
		}

		if s.state != StatePreparing {
			return
		}
		id := response.TransactionId
		s.transactionID = &id
		s.chargingStartedAt = s.clk.Now()
		s.lastPhysicsAt = s.clk.Now()
		s.txSamples.Clear()
		s.engine.ResetRamp()
		if err := s.transitionTo(StateCharging, "transaction_started"); err != nil {
			s.logger.Error().Err(err).Msg("Charging transition failed")
		}
	})
}

// beginStop 结束当前交易: 迁移到FINISHING并发送StopTransaction
func (s *Session) beginStop(reason ocpp16.Reason) {
	if s.transactionID == nil {
		return
	}
	txID := *s.transactionID
	s.transactionID = nil

	if err := s.transitionTo(StateFinishing, "stop_"+string(reason)); err != nil {
		s.logger.Error().Err(err).Msg("Finishing transition failed")
	}

	payload := ocpp16.StopTransactionRequest{
		MeterStop:       int(math.Round(s.engine.EnergyWh())),
		Timestamp:       ocpp16.NewDateTime(s.clk.Now()),
		TransactionId:   txID,
		Reason:          &reason,
		TransactionData: s.txSamples.Snapshot(),
	}
	s.txSamples.Clear()

	s.sendCall(ocpp16.ActionStopTransaction, payload, s.opts.CallTimeout, func(result protocol.Result) {
		if result.Err != nil {
			s.logger.Warn().Err(result.Err).Int("transaction_id", txID).Msg("StopTransaction failed")
		}
		s.finishStopped()
	})
}

// finishStopped 交易收尾后的状态归位与延迟动作
func (s *Session) finishStopped() {
	if s.state == StateFinishing {
		if s.pendingInoperable {
			s.pendingInoperable = false
			if err := s.transitionTo(StateUnavailable, "availability_scheduled"); err != nil {
				s.logger.Error().Err(err).Msg("Unavailable transition failed")
			}
		} else if err := s.transitionTo(StateAvailable, "stop_completed"); err != nil {
			s.logger.Error().Err(err).Msg("Available transition failed")
		}
	}
	if s.resetPending != "" {
		reset := s.resetPending
		s.resetPending = ""
		s.executeReset(reset)
	}
}

// sendMeterValues 发送一次电表采样
func (s *Session) sendMeterValues(context ocpp16.ReadingContext) {
	meterValue := s.buildMeterValue(context)
	s.txSamples.Append(meterValue)

	payload := ocpp16.MeterValuesRequest{
		ConnectorId: 1,
		MeterValue:  []ocpp16.MeterValue{meterValue},
	}
	if s.transactionID != nil {
		id := *s.transactionID
		payload.TransactionId = &id
	}
	s.sendCall(ocpp16.ActionMeterValues, payload, s.opts.CallTimeout, nil)
}

// buildMeterValue 按配置的测量值列表构造采样集合
func (s *Session) buildMeterValue(context ocpp16.ReadingContext) ocpp16.MeterValue {
	outlet := ocpp16.LocationOutlet
	sample := s.lastSample

	values := make([]ocpp16.SampledValue, 0, len(s.measurands))
	for _, measurand := range s.measurands {
		m := measurand
		ctx := context
		sv := ocpp16.SampledValue{
			Context:   &ctx,
			Measurand: &m,
		}
		switch measurand {
		case ocpp16.MeasurandEnergyActiveImportRegister:
			unit := ocpp16.UnitOfMeasureWh
			sv.Value = strconv.Itoa(int(math.Round(s.engine.EnergyWh())))
			sv.Unit = &unit
			sv.Location = &outlet
		case ocpp16.MeasurandPowerActiveImport:
			unit := ocpp16.UnitOfMeasureW
			sv.Value = strconv.FormatFloat(sample.PowerW, 'f', 1, 64)
			sv.Unit = &unit
			sv.Location = &outlet
		case ocpp16.MeasurandSoC:
			unit := ocpp16.UnitOfMeasurePercent
			sv.Value = strconv.FormatFloat(s.engine.Soc(), 'f', 1, 64)
			sv.Unit = &unit
		case ocpp16.MeasurandCurrentImport:
			unit := ocpp16.UnitOfMeasureA
			sv.Value = strconv.FormatFloat(sample.CurrentA, 'f', 1, 64)
			sv.Unit = &unit
			sv.Location = &outlet
		case ocpp16.MeasurandVoltage:
			unit := ocpp16.UnitOfMeasureV
			sv.Value = strconv.FormatFloat(sample.VoltageV, 'f', 1, 64)
			sv.Unit = &unit
			sv.Location = &outlet
		default:
			continue
		}
		values = append(values, sv)
	}

	return ocpp16.MeterValue{
		Timestamp:    ocpp16.NewDateTime(s.clk.Now()),
		SampledValue: values,
	}
}

// sendStatusNotification 上报连接器状态
func (s *Session) sendStatusNotification(status ocpp16.ChargePointStatus, errorCode ocpp16.ChargePointErrorCode) {
	timestamp := ocpp16.NewDateTime(s.clk.Now())
	payload := ocpp16.StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   errorCode,
		Status:      status,
		Timestamp:   &timestamp,
	}
	s.sendCall(ocpp16.ActionStatusNotification, payload, s.opts.CallTimeout, nil)
}

// sendFirmwareStatus 上报固件更新状态
func (s *Session) sendFirmwareStatus(status ocpp16.FirmwareStatus) {
	s.firmwareStatus = status
	s.sendCall(ocpp16.ActionFirmwareStatusNotification,
		ocpp16.FirmwareStatusNotificationRequest{Status: status}, s.opts.CallTimeout, nil)
}

// sendDiagnosticsStatus 上报诊断上传状态
func (s *Session) sendDiagnosticsStatus(status ocpp16.DiagnosticsStatus) {
	s.diagnosticsStatus = status
	s.sendCall(ocpp16.ActionDiagnosticsStatusNotification,
		ocpp16.DiagnosticsStatusNotificationRequest{Status: status}, s.opts.CallTimeout, nil)
}

// executeReset 执行重置: 断链后重拨, 重连成功由Boot流程接管
func (s *Session) executeReset(resetType ocpp16.ResetType) {
	s.appendLog("info", "session", fmt.Sprintf("executing %s reset", resetType))
	if s.state != StateDisconnected {
		if err := s.transitionTo(StateUnavailable, "reset"); err != nil {
			s.logger.Debug().Err(err).Msg("Reset transition skipped")
		}
		s.toDisconnected("reset")
	}

	ctx := s.ctx
	transport := s.transport
	soft := resetType == ocpp16.ResetTypeSoft
	go func() {
		if soft {
			// 软重置尽量送完队列中的帧
			deadline := time.Now().Add(2 * time.Second)
			for transport.QueueLen() > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		}
		transport.Disconnect()
		if ctx.Err() != nil {
			return
		}
		if err := transport.Connect(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Reconnect after reset failed")
		}
	}()
}
