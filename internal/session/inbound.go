package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charging-platform/fleet-simulator/internal/domain/events"
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/domain/serialization"
	"github.com/charging-platform/fleet-simulator/internal/domain/validation"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	protocol "github.com/charging-platform/fleet-simulator/internal/protocol/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/smartcharging"
)

// onFrame 处理一条入站帧, 在邮箱协程中运行
func (s *Session) onFrame(data []byte) {
	frame, err := serialization.Decode(data)
	if err != nil && !errors.Is(err, serialization.ErrUnknownAction) {
		s.noteProtocolError(&ProtocolViolation{Reason: "undecodable frame", Cause: err})
		return
	}

	switch frame.Type {
	case ocpp16.Call:
		s.recordFrame(events.DirectionIn, events.FrameCall, frame.Action, frame.UniqueID, frame.Payload)
		if err != nil {
			// 已知结构但动作未知, 以原uniqueId回复NotImplemented
			s.sendError(frame.UniqueID, frame.Action, ocpp16.ErrorCodeNotImplemented,
				fmt.Sprintf("action %s is not implemented", frame.Action))
			return
		}
		if !ocpp16.IncomingActions[frame.Action] {
			s.sendError(frame.UniqueID, frame.Action, ocpp16.ErrorCodeNotSupported,
				fmt.Sprintf("action %s cannot be initiated by the central system", frame.Action))
			return
		}
		s.dispatchCall(frame)

	case ocpp16.CallResult:
		action, _ := s.pending.Action(frame.UniqueID)
		s.recordFrame(events.DirectionIn, events.FrameCallResult, action, frame.UniqueID, frame.Payload)
		s.pending.Resolve(frame.UniqueID, frame.Payload)

	case ocpp16.CallError:
		action, _ := s.pending.Action(frame.UniqueID)
		s.recordFrame(events.DirectionIn, events.FrameCallError, action, frame.UniqueID, nil)
		metrics.CallErrors.WithLabelValues("inbound", string(frame.ErrorCode)).Inc()
		s.pending.Fail(frame.UniqueID, frame.ErrorCode, frame.ErrorDescription)
	}
}

// dispatchCall 解码、校验并执行CSMS请求
func (s *Session) dispatchCall(frame *serialization.Frame) {
	payload, ok := serialization.NewRequestPayload(frame.Action)
	if !ok {
		s.sendError(frame.UniqueID, frame.Action, ocpp16.ErrorCodeNotImplemented,
			fmt.Sprintf("action %s is not implemented", frame.Action))
		return
	}
	if err := json.Unmarshal(frame.Payload, payload); err != nil {
		s.noteProtocolError(&ProtocolViolation{Reason: "malformed payload for " + string(frame.Action), Cause: err})
		s.sendError(frame.UniqueID, frame.Action, ocpp16.ErrorCodeFormationViolation, err.Error())
		return
	}
	if err := s.validator.ValidateStruct(payload); err != nil {
		code := ocpp16.ErrorCodePropertyConstraintViolation
		var validationErrors validation.ValidationErrors
		if errors.As(err, &validationErrors) && validationErrors.HasTag("required") {
			code = ocpp16.ErrorCodeFormationViolation
		}
		s.sendError(frame.UniqueID, frame.Action, code, err.Error())
		return
	}

	var response interface{}
	switch request := payload.(type) {
	case *ocpp16.ChangeConfigurationRequest:
		response = s.handleChangeConfiguration(request)
	case *ocpp16.GetConfigurationRequest:
		response = s.handleGetConfiguration(request)
	case *ocpp16.ClearCacheRequest:
		response = s.handleClearCache()
	case *ocpp16.ResetRequest:
		response = s.handleReset(request)
	case *ocpp16.RemoteStartTransactionRequest:
		response = s.handleRemoteStart(request)
	case *ocpp16.RemoteStopTransactionRequest:
		response = s.handleRemoteStop(request)
	case *ocpp16.UnlockConnectorRequest:
		response = s.handleUnlockConnector(request)
	case *ocpp16.ChangeAvailabilityRequest:
		response = s.handleChangeAvailability(request)
	case *ocpp16.DataTransferRequest:
		response = s.handleDataTransfer(request)
	case *ocpp16.TriggerMessageRequest:
		response = s.handleTriggerMessage(request)
	case *ocpp16.ReserveNowRequest:
		response = s.handleReserveNow(request)
	case *ocpp16.CancelReservationRequest:
		response = s.handleCancelReservation(request)
	case *ocpp16.SetChargingProfileRequest:
		response = s.handleSetChargingProfile(request)
	case *ocpp16.ClearChargingProfileRequest:
		response = s.handleClearChargingProfile(request)
	case *ocpp16.GetCompositeScheduleRequest:
		response = s.handleGetCompositeSchedule(request)
	case *ocpp16.SendLocalListRequest:
		response = s.handleSendLocalList(request)
	case *ocpp16.GetLocalListVersionRequest:
		response = s.handleGetLocalListVersion()
	case *ocpp16.UpdateFirmwareRequest:
		response = s.handleUpdateFirmware(request)
	case *ocpp16.GetDiagnosticsRequest:
		response = s.handleGetDiagnostics(request)
	default:
		s.sendError(frame.UniqueID, frame.Action, ocpp16.ErrorCodeInternalError,
			fmt.Sprintf("no handler for action %s", frame.Action))
		return
	}

	s.sendResult(frame.UniqueID, frame.Action, response)
}

// 配置键
const (
	keyHeartbeatInterval        = "HeartbeatInterval"
	keyMeterValueSampleInterval = "MeterValueSampleInterval"
	keyMeterValuesSampledData   = "MeterValuesSampledData"
	keyConnectionTimeOut        = "ConnectionTimeOut"
	keyClockAlignedDataInterval = "ClockAlignedDataInterval"
	keyNumberOfConnectors       = "NumberOfConnectors"
	keyChargePointVendor        = "ChargePointVendor"
	keyChargePointModel         = "ChargePointModel"
	keyChargePointSerialNumber  = "ChargePointSerialNumber"
	keyFirmwareVersion          = "FirmwareVersion"
	keySupportedFeatureProfiles = "SupportedFeatureProfiles"
)

// supportedFeatureProfiles 模拟器实现的OCPP功能域
const supportedFeatureProfiles = "Core,FirmwareManagement,LocalAuthListManagement,Reservation,SmartCharging,RemoteTrigger"

// readOnlyKeys 只读配置键, ChangeConfiguration一律Rejected
var readOnlyKeys = map[string]bool{
	keyNumberOfConnectors:       true,
	keyChargePointVendor:        true,
	keyChargePointModel:         true,
	keyChargePointSerialNumber:  true,
	keyFirmwareVersion:          true,
	keySupportedFeatureProfiles: true,
}

func (s *Session) handleChangeConfiguration(request *ocpp16.ChangeConfigurationRequest) *ocpp16.ChangeConfigurationResponse {
	if readOnlyKeys[request.Key] {
		return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
	}

	parseSeconds := func(value string) (time.Duration, bool) {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}

	switch request.Key {
	case keyHeartbeatInterval:
		d, ok := parseSeconds(request.Value)
		if !ok || d == 0 {
			return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
		}
		s.heartbeatInterval = d
		s.nextHeartbeatAt = s.clk.Now().Add(d)

	case keyMeterValueSampleInterval:
		d, ok := parseSeconds(request.Value)
		if !ok || d == 0 {
			return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
		}
		s.meterInterval = d
		s.nextMeterAt = s.clk.Now().Add(d)

	case keyClockAlignedDataInterval:
		d, ok := parseSeconds(request.Value)
		if !ok {
			return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
		}
		// 0 关闭整点采样
		s.clockAlignedInterval = d
		s.pokeAlignedReload()

	case keyConnectionTimeOut:
		d, ok := parseSeconds(request.Value)
		if !ok {
			return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
		}
		s.connectionTimeout = d

	case keyMeterValuesSampledData:
		measurands, err := validation.ParseMeasurandList(request.Value)
		if err != nil {
			return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}
		}
		s.measurands = measurands

	default:
		return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusNotSupported}
	}

	s.appendLog("info", "config", fmt.Sprintf("configuration %s = %s", request.Key, request.Value))
	return &ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusAccepted}
}

// configurationTable 当前全部配置键值
func (s *Session) configurationTable() []ocpp16.KeyValue {
	seconds := func(d time.Duration) string {
		return strconv.Itoa(int(d / time.Second))
	}
	measurands := ""
	for i, m := range s.measurands {
		if i > 0 {
			measurands += ","
		}
		measurands += string(m)
	}

	entry := func(key string, readonly bool, value string) ocpp16.KeyValue {
		v := value
		return ocpp16.KeyValue{Key: key, Readonly: readonly, Value: &v}
	}
	return []ocpp16.KeyValue{
		entry(keyHeartbeatInterval, false, seconds(s.heartbeatInterval)),
		entry(keyMeterValueSampleInterval, false, seconds(s.meterInterval)),
		entry(keyMeterValuesSampledData, false, measurands),
		entry(keyConnectionTimeOut, false, seconds(s.connectionTimeout)),
		entry(keyClockAlignedDataInterval, false, seconds(s.clockAlignedInterval)),
		entry(keyNumberOfConnectors, true, strconv.Itoa(s.opts.ConnectorCount)),
		entry(keyChargePointVendor, true, s.opts.Vendor),
		entry(keyChargePointModel, true, s.opts.Model),
		entry(keyChargePointSerialNumber, true, s.opts.SerialNumber),
		entry(keyFirmwareVersion, true, s.opts.FirmwareVersion),
		entry(keySupportedFeatureProfiles, true, supportedFeatureProfiles),
	}
}

func (s *Session) handleGetConfiguration(request *ocpp16.GetConfigurationRequest) *ocpp16.GetConfigurationResponse {
	table := s.configurationTable()
	if len(request.Key) == 0 {
		return &ocpp16.GetConfigurationResponse{ConfigurationKey: table}
	}

	byKey := make(map[string]ocpp16.KeyValue, len(table))
	for _, kv := range table {
		byKey[kv.Key] = kv
	}

	response := &ocpp16.GetConfigurationResponse{}
	for _, key := range request.Key {
		if kv, ok := byKey[key]; ok {
			response.ConfigurationKey = append(response.ConfigurationKey, kv)
		} else {
			response.UnknownKey = append(response.UnknownKey, key)
		}
	}
	return response
}

func (s *Session) handleClearCache() *ocpp16.ClearCacheResponse {
	cleared := s.authCache.Clear()
	s.appendLog("info", "auth", fmt.Sprintf("authorization cache cleared (%d entries)", cleared))
	return &ocpp16.ClearCacheResponse{Status: ocpp16.ClearCacheStatusAccepted}
}

func (s *Session) handleReset(request *ocpp16.ResetRequest) *ocpp16.ResetResponse {
	switch request.Type {
	case ocpp16.ResetTypeSoft:
		if s.transactionID != nil {
			// 软重置先完成交易, 收尾后再重启
			s.resetPending = ocpp16.ResetTypeSoft
			s.postAsync(func() { s.beginStop(ocpp16.ReasonSoftReset) })
		} else {
			s.postAsync(func() { s.executeReset(ocpp16.ResetTypeSoft) })
		}
	case ocpp16.ResetTypeHard:
		s.postAsync(func() {
			if s.transactionID != nil {
				s.markInterrupted(ocpp16.ReasonHardReset)
			}
			dropped := s.transport.ClearQueue()
			if dropped > 0 {
				s.logger.Warn().Int("dropped", dropped).Msg("Send queue cleared by hard reset")
			}
			s.pending.FailAll(protocol.ErrCancelled)
			s.executeReset(ocpp16.ResetTypeHard)
		})
	default:
		return &ocpp16.ResetResponse{Status: ocpp16.ResetStatusRejected}
	}
	return &ocpp16.ResetResponse{Status: ocpp16.ResetStatusAccepted}
}

func (s *Session) handleRemoteStart(request *ocpp16.RemoteStartTransactionRequest) *ocpp16.RemoteStartTransactionResponse {
	if request.ConnectorId != nil && *request.ConnectorId > s.opts.ConnectorCount {
		return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}
	}
	if s.state != StateAvailable && s.state != StatePreparing {
		return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}
	}
	if s.transactionID != nil {
		return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}
	}

	if request.ChargingProfile != nil {
		if !s.profiles.Set(*request.ChargingProfile, 1) {
			return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}
		}
	}

	idTag := request.IdTag
	s.postAsync(func() {
		if s.state == StateAvailable {
			if err := s.transitionTo(StatePreparing, "remote_start"); err != nil {
				s.logger.Error().Err(err).Msg("Remote start transition failed")
				return
			}
		}
		if s.state == StatePreparing {
			s.beginAuthorize(idTag)
		}
	})
	return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}
}

func (s *Session) handleRemoteStop(request *ocpp16.RemoteStopTransactionRequest) *ocpp16.RemoteStopTransactionResponse {
	if s.transactionID == nil || *s.transactionID != request.TransactionId {
		return &ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}
	}
	s.postAsync(func() {
		if s.transactionID != nil {
			s.beginStop(ocpp16.ReasonRemote)
		}
	})
	return &ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}
}

func (s *Session) handleUnlockConnector(request *ocpp16.UnlockConnectorRequest) *ocpp16.UnlockConnectorResponse {
	if request.ConnectorId > s.opts.ConnectorCount {
		return &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusNotSupported}
	}
	s.postAsync(func() {
		switch {
		case s.transactionID != nil:
			s.beginStop(ocpp16.ReasonUnlockCommand)
		case s.state == StatePreparing:
			if err := s.transitionTo(StateAvailable, "unlock"); err != nil {
				s.logger.Error().Err(err).Msg("Unlock transition failed")
			}
		}
	})
	return &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlocked}
}

func (s *Session) handleChangeAvailability(request *ocpp16.ChangeAvailabilityRequest) *ocpp16.ChangeAvailabilityResponse {
	if request.ConnectorId > s.opts.ConnectorCount {
		return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusRejected}
	}

	switch request.Type {
	case ocpp16.AvailabilityTypeInoperative:
		if s.state.InTransaction() {
			// 交易结束后再转入不可用
			s.pendingInoperable = true
			return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusScheduled}
		}
		s.postAsync(func() {
			if err := s.transitionTo(StateUnavailable, "availability_inoperative"); err != nil {
				s.logger.Error().Err(err).Msg("Availability transition failed")
			}
		})
		return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusAccepted}

	case ocpp16.AvailabilityTypeOperative:
		s.pendingInoperable = false
		if s.state == StateUnavailable {
			s.postAsync(func() {
				if s.state != StateUnavailable {
					return
				}
				if err := s.transitionTo(StateAvailable, "availability_operative"); err != nil {
					s.logger.Error().Err(err).Msg("Availability transition failed")
				}
			})
		}
		return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusAccepted}

	default:
		return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusRejected}
	}
}

func (s *Session) handleDataTransfer(request *ocpp16.DataTransferRequest) *ocpp16.DataTransferResponse {
	if request.VendorId != s.opts.DataTransferVendorID {
		return &ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorID}
	}
	// 已知vendorId回显数据
	return &ocpp16.DataTransferResponse{
		Status: ocpp16.DataTransferStatusAccepted,
		Data:   request.Data,
	}
}

func (s *Session) handleTriggerMessage(request *ocpp16.TriggerMessageRequest) *ocpp16.TriggerMessageResponse {
	switch request.RequestedMessage {
	case ocpp16.MessageTriggerBootNotification:
		s.postAsync(func() { s.sendBootNotification() })
	case ocpp16.MessageTriggerHeartbeat:
		s.postAsync(func() { s.sendHeartbeat() })
	case ocpp16.MessageTriggerMeterValues:
		s.postAsync(func() { s.sendMeterValues(ocpp16.ReadingContextTrigger) })
	case ocpp16.MessageTriggerStatusNotification:
		s.postAsync(func() {
			s.sendStatusNotification(ConnectorStatus(s.state), ocpp16.ChargePointErrorCodeNoError)
		})
	case ocpp16.MessageTriggerDiagnosticsStatusNotification:
		s.postAsync(func() { s.sendDiagnosticsStatus(s.diagnosticsStatus) })
	case ocpp16.MessageTriggerFirmwareStatusNotification:
		s.postAsync(func() { s.sendFirmwareStatus(s.firmwareStatus) })
	default:
		return &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusNotImplemented}
	}
	return &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted}
}

func (s *Session) handleReserveNow(request *ocpp16.ReserveNowRequest) *ocpp16.ReserveNowResponse {
	switch s.state {
	case StateFaulted:
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusFaulted}
	case StateUnavailable, StateDisconnected, StateBooting:
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusUnavailable}
	case StateCharging, StateSuspendedEV, StateSuspendedEVSE, StateFinishing, StatePreparing:
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusOccupied}
	case StateReserved:
		if s.reserved != nil && s.reserved.id != request.ReservationId {
			return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusRejected}
		}
		// 同一预约ID更新条款
		s.reserved = &reservation{id: request.ReservationId, idTag: request.IdTag, expiry: request.ExpiryDate.Time}
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusAccepted}
	}

	if s.reserved != nil && s.reserved.id != request.ReservationId {
		// 预约已登记, RESERVED迁移尚未执行
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusOccupied}
	}

	s.reserved = &reservation{id: request.ReservationId, idTag: request.IdTag, expiry: request.ExpiryDate.Time}
	s.postAsync(func() {
		if s.state == StateAvailable && s.reserved != nil {
			if err := s.transitionTo(StateReserved, "reserve_now"); err != nil {
				s.logger.Error().Err(err).Msg("Reservation transition failed")
			}
		}
	})
	return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusAccepted}
}

func (s *Session) handleCancelReservation(request *ocpp16.CancelReservationRequest) *ocpp16.CancelReservationResponse {
	if s.reserved == nil || s.reserved.id != request.ReservationId {
		return &ocpp16.CancelReservationResponse{Status: ocpp16.CancelReservationStatusRejected}
	}
	s.reserved = nil
	s.postAsync(func() {
		if s.state == StateReserved {
			if err := s.transitionTo(StateAvailable, "reservation_cancelled"); err != nil {
				s.logger.Error().Err(err).Msg("Cancel reservation transition failed")
			}
		}
	})
	return &ocpp16.CancelReservationResponse{Status: ocpp16.CancelReservationStatusAccepted}
}

func (s *Session) handleSetChargingProfile(request *ocpp16.SetChargingProfileRequest) *ocpp16.SetChargingProfileResponse {
	if request.ConnectorId > s.opts.ConnectorCount {
		return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}
	}
	profile := request.CsChargingProfiles
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		if s.transactionID == nil {
			return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}
		}
		if profile.TransactionId != nil && *profile.TransactionId != *s.transactionID {
			return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}
		}
	}
	if !s.profiles.Set(profile, request.ConnectorId) {
		return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}
	}
	s.appendLog("info", "smart_charging", fmt.Sprintf("profile %d set (%s, stack %d)",
		profile.ChargingProfileId, profile.ChargingProfilePurpose, profile.StackLevel))
	return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusAccepted}
}

func (s *Session) handleClearChargingProfile(request *ocpp16.ClearChargingProfileRequest) *ocpp16.ClearChargingProfileResponse {
	removed := s.profiles.Clear(smartcharging.ClearCriteria{
		ID:          request.Id,
		Purpose:     request.ChargingProfilePurpose,
		StackLevel:  request.StackLevel,
		ConnectorID: request.ConnectorId,
	})
	if removed == 0 {
		return &ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusUnknown}
	}
	s.appendLog("info", "smart_charging", fmt.Sprintf("%d charging profiles cleared", removed))
	return &ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusAccepted}
}

func (s *Session) handleGetCompositeSchedule(request *ocpp16.GetCompositeScheduleRequest) *ocpp16.GetCompositeScheduleResponse {
	if request.ConnectorId > s.opts.ConnectorCount {
		return &ocpp16.GetCompositeScheduleResponse{Status: ocpp16.GetCompositeScheduleStatusRejected}
	}

	unit := ocpp16.ChargingRateUnitWatts
	if request.ChargingRateUnit != nil {
		unit = *request.ChargingRateUnit
	}
	now := s.clk.Now()
	schedule := s.profiles.CompositeSchedule(smartcharging.Query{
		Now:               now,
		TransactionID:     s.transactionID,
		ChargingStartedAt: s.chargingStartedAt,
		Charger:           s.charger,
	}, request.Duration, unit)

	connectorID := request.ConnectorId
	start := ocpp16.NewDateTime(now)
	return &ocpp16.GetCompositeScheduleResponse{
		Status:           ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorID,
		ScheduleStart:    &start,
		ChargingSchedule: &schedule,
	}
}

func (s *Session) handleSendLocalList(request *ocpp16.SendLocalListRequest) *ocpp16.SendLocalListResponse {
	status := s.authCache.ApplyLocalList(request.ListVersion, request.UpdateType, request.LocalAuthorizationList)
	s.appendLog("info", "auth", fmt.Sprintf("local list %s v%d: %s", request.UpdateType, request.ListVersion, status))
	return &ocpp16.SendLocalListResponse{Status: status}
}

func (s *Session) handleGetLocalListVersion() *ocpp16.GetLocalListVersionResponse {
	return &ocpp16.GetLocalListVersionResponse{ListVersion: s.authCache.ListVersion()}
}

func (s *Session) handleUpdateFirmware(request *ocpp16.UpdateFirmwareRequest) *ocpp16.UpdateFirmwareResponse {
	s.appendLog("info", "firmware", fmt.Sprintf("firmware update requested from %s", request.Location))
	now := s.clk.Now()
	start := request.RetrieveDate.Time
	if start.Before(now) {
		start = now
	}
	s.firmwareSeq = &statusSequence{
		states: []string{
			string(ocpp16.FirmwareStatusDownloading),
			string(ocpp16.FirmwareStatusDownloaded),
			string(ocpp16.FirmwareStatusInstalling),
			string(ocpp16.FirmwareStatusInstalled),
		},
		nextAt: start.Add(time.Second),
	}
	return &ocpp16.UpdateFirmwareResponse{}
}

func (s *Session) handleGetDiagnostics(request *ocpp16.GetDiagnosticsRequest) *ocpp16.GetDiagnosticsResponse {
	fileName := fmt.Sprintf("diag-%s-%d.tar.gz", s.opts.ChargePointID, s.clk.Now().Unix())
	s.appendLog("info", "diagnostics", fmt.Sprintf("diagnostics upload to %s as %s", request.Location, fileName))
	s.diagnosticsSeq = &statusSequence{
		states: []string{
			string(ocpp16.DiagnosticsStatusUploading),
			string(ocpp16.DiagnosticsStatusUploaded),
		},
		nextAt: s.clk.Now().Add(time.Second),
	}
	return &ocpp16.GetDiagnosticsResponse{FileName: &fileName}
}
