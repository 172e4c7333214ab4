package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// MaxUniqueIDLength OCPP-J规定的uniqueId长度上限
const MaxUniqueIDLength = 36

// 解码失败的两类原因, 调用方通过errors.Is区分
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownAction  = errors.New("unknown action")
)

// FrameError 帧编解码错误
type FrameError struct {
	Kind    error
	Message string
	Cause   error
}

// Error 实现error接口
func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

// Unwrap 返回错误类别
func (e *FrameError) Unwrap() error {
	return e.Kind
}

func malformed(message string, cause error) *FrameError {
	return &FrameError{Kind: ErrMalformedFrame, Message: message, Cause: cause}
}

// Frame 解码后的OCPP-J帧
type Frame struct {
	Type             ocpp16.MessageType
	UniqueID         string
	Action           ocpp16.Action        // 仅Call帧
	Payload          json.RawMessage      // Call与CallResult帧
	ErrorCode        ocpp16.CallErrorCode // 仅CallError帧
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// EncodeCall 编码请求帧 [2, uniqueId, action, payload]
func EncodeCall(uniqueID string, action ocpp16.Action, payload interface{}) ([]byte, error) {
	if err := checkUniqueID(uniqueID); err != nil {
		return nil, err
	}
	if action == "" {
		return nil, malformed("empty action", nil)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal([]interface{}{int(ocpp16.Call), uniqueID, action, raw})
	if err != nil {
		return nil, malformed("failed to marshal call frame", err)
	}
	return data, nil
}

// EncodeCallResult 编码响应帧 [3, uniqueId, payload]
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	if err := checkUniqueID(uniqueID); err != nil {
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal([]interface{}{int(ocpp16.CallResult), uniqueID, raw})
	if err != nil {
		return nil, malformed("failed to marshal call result frame", err)
	}
	return data, nil
}

// EncodeCallError 编码错误帧 [4, uniqueId, errorCode, errorDescription, errorDetails]
func EncodeCallError(uniqueID string, code ocpp16.CallErrorCode, description string, details interface{}) ([]byte, error) {
	if err := checkUniqueID(uniqueID); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, malformed("empty error code", nil)
	}

	raw, err := marshalPayload(details)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal([]interface{}{int(ocpp16.CallError), uniqueID, code, description, raw})
	if err != nil {
		return nil, malformed("failed to marshal call error frame", err)
	}
	return data, nil
}

// Decode 解码OCPP-J帧。action不在已知集合内的Call帧返回已解析的Frame
// 和ErrUnknownAction, 供调用方以原uniqueId回复CallError。
func Decode(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, malformed("frame is not a JSON array", err)
	}
	if len(elements) < 3 {
		return nil, malformed(fmt.Sprintf("frame has %d elements, need at least 3", len(elements)), nil)
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, malformed("messageTypeId is not an integer", err)
	}

	var uniqueID string
	if err := json.Unmarshal(elements[1], &uniqueID); err != nil {
		return nil, malformed("uniqueId is not a string", err)
	}
	if err := checkUniqueID(uniqueID); err != nil {
		return nil, err
	}

	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call:
		if len(elements) != 4 {
			return nil, malformed(fmt.Sprintf("call frame has %d elements, need 4", len(elements)), nil)
		}
		var action string
		if err := json.Unmarshal(elements[2], &action); err != nil {
			return nil, malformed("action is not a string", err)
		}
		if !isJSONObject(elements[3]) {
			return nil, malformed("call payload is not a JSON object", nil)
		}
		frame := &Frame{
			Type:     ocpp16.Call,
			UniqueID: uniqueID,
			Action:   ocpp16.Action(action),
			Payload:  elements[3],
		}
		if _, known := payloadTypes[frame.Action]; !known {
			return frame, &FrameError{Kind: ErrUnknownAction, Message: action}
		}
		return frame, nil

	case ocpp16.CallResult:
		if len(elements) != 3 {
			return nil, malformed(fmt.Sprintf("call result frame has %d elements, need 3", len(elements)), nil)
		}
		if !isJSONObject(elements[2]) {
			return nil, malformed("call result payload is not a JSON object", nil)
		}
		return &Frame{
			Type:     ocpp16.CallResult,
			UniqueID: uniqueID,
			Payload:  elements[2],
		}, nil

	case ocpp16.CallError:
		if len(elements) < 4 || len(elements) > 5 {
			return nil, malformed(fmt.Sprintf("call error frame has %d elements, need 4 or 5", len(elements)), nil)
		}
		var errorCode string
		if err := json.Unmarshal(elements[2], &errorCode); err != nil {
			return nil, malformed("errorCode is not a string", err)
		}
		var errorDescription string
		if err := json.Unmarshal(elements[3], &errorDescription); err != nil {
			return nil, malformed("errorDescription is not a string", err)
		}
		frame := &Frame{
			Type:             ocpp16.CallError,
			UniqueID:         uniqueID,
			ErrorCode:        ocpp16.CallErrorCode(errorCode),
			ErrorDescription: errorDescription,
		}
		if len(elements) == 5 {
			if !isJSONObject(elements[4]) {
				return nil, malformed("errorDetails is not a JSON object", nil)
			}
			frame.ErrorDetails = elements[4]
		}
		return frame, nil

	default:
		return nil, malformed(fmt.Sprintf("unknown messageTypeId %d", msgType), nil)
	}
}

func checkUniqueID(uniqueID string) error {
	if uniqueID == "" {
		return malformed("empty uniqueId", nil)
	}
	if len(uniqueID) > MaxUniqueIDLength {
		return malformed(fmt.Sprintf("uniqueId length %d exceeds %d", len(uniqueID), MaxUniqueIDLength), nil)
	}
	return nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, malformed("failed to marshal payload", err)
	}
	if bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	return raw, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// payloadTypes 按动作索引的载荷类型表, request为CSMS发往充电桩的
// 请求载荷, response为CSMS对充电桩请求的响应载荷
var payloadTypes = map[ocpp16.Action]struct {
	request  reflect.Type
	response reflect.Type
}{
	ocpp16.ActionAuthorize: {
		request:  reflect.TypeOf(ocpp16.AuthorizeRequest{}),
		response: reflect.TypeOf(ocpp16.AuthorizeResponse{}),
	},
	ocpp16.ActionBootNotification: {
		request:  reflect.TypeOf(ocpp16.BootNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.BootNotificationResponse{}),
	},
	ocpp16.ActionChangeAvailability: {
		request:  reflect.TypeOf(ocpp16.ChangeAvailabilityRequest{}),
		response: reflect.TypeOf(ocpp16.ChangeAvailabilityResponse{}),
	},
	ocpp16.ActionChangeConfiguration: {
		request:  reflect.TypeOf(ocpp16.ChangeConfigurationRequest{}),
		response: reflect.TypeOf(ocpp16.ChangeConfigurationResponse{}),
	},
	ocpp16.ActionClearCache: {
		request:  reflect.TypeOf(ocpp16.ClearCacheRequest{}),
		response: reflect.TypeOf(ocpp16.ClearCacheResponse{}),
	},
	ocpp16.ActionDataTransfer: {
		request:  reflect.TypeOf(ocpp16.DataTransferRequest{}),
		response: reflect.TypeOf(ocpp16.DataTransferResponse{}),
	},
	ocpp16.ActionGetConfiguration: {
		request:  reflect.TypeOf(ocpp16.GetConfigurationRequest{}),
		response: reflect.TypeOf(ocpp16.GetConfigurationResponse{}),
	},
	ocpp16.ActionHeartbeat: {
		request:  reflect.TypeOf(ocpp16.HeartbeatRequest{}),
		response: reflect.TypeOf(ocpp16.HeartbeatResponse{}),
	},
	ocpp16.ActionMeterValues: {
		request:  reflect.TypeOf(ocpp16.MeterValuesRequest{}),
		response: reflect.TypeOf(ocpp16.MeterValuesResponse{}),
	},
	ocpp16.ActionRemoteStartTransaction: {
		request:  reflect.TypeOf(ocpp16.RemoteStartTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.RemoteStartTransactionResponse{}),
	},
	ocpp16.ActionRemoteStopTransaction: {
		request:  reflect.TypeOf(ocpp16.RemoteStopTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.RemoteStopTransactionResponse{}),
	},
	ocpp16.ActionReset: {
		request:  reflect.TypeOf(ocpp16.ResetRequest{}),
		response: reflect.TypeOf(ocpp16.ResetResponse{}),
	},
	ocpp16.ActionStartTransaction: {
		request:  reflect.TypeOf(ocpp16.StartTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.StartTransactionResponse{}),
	},
	ocpp16.ActionStatusNotification: {
		request:  reflect.TypeOf(ocpp16.StatusNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.StatusNotificationResponse{}),
	},
	ocpp16.ActionStopTransaction: {
		request:  reflect.TypeOf(ocpp16.StopTransactionRequest{}),
		response: reflect.TypeOf(ocpp16.StopTransactionResponse{}),
	},
	ocpp16.ActionUnlockConnector: {
		request:  reflect.TypeOf(ocpp16.UnlockConnectorRequest{}),
		response: reflect.TypeOf(ocpp16.UnlockConnectorResponse{}),
	},
	ocpp16.ActionGetDiagnostics: {
		request:  reflect.TypeOf(ocpp16.GetDiagnosticsRequest{}),
		response: reflect.TypeOf(ocpp16.GetDiagnosticsResponse{}),
	},
	ocpp16.ActionDiagnosticsStatusNotification: {
		request:  reflect.TypeOf(ocpp16.DiagnosticsStatusNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.DiagnosticsStatusNotificationResponse{}),
	},
	ocpp16.ActionFirmwareStatusNotification: {
		request:  reflect.TypeOf(ocpp16.FirmwareStatusNotificationRequest{}),
		response: reflect.TypeOf(ocpp16.FirmwareStatusNotificationResponse{}),
	},
	ocpp16.ActionUpdateFirmware: {
		request:  reflect.TypeOf(ocpp16.UpdateFirmwareRequest{}),
		response: reflect.TypeOf(ocpp16.UpdateFirmwareResponse{}),
	},
	ocpp16.ActionGetLocalListVersion: {
		request:  reflect.TypeOf(ocpp16.GetLocalListVersionRequest{}),
		response: reflect.TypeOf(ocpp16.GetLocalListVersionResponse{}),
	},
	ocpp16.ActionSendLocalList: {
		request:  reflect.TypeOf(ocpp16.SendLocalListRequest{}),
		response: reflect.TypeOf(ocpp16.SendLocalListResponse{}),
	},
	ocpp16.ActionCancelReservation: {
		request:  reflect.TypeOf(ocpp16.CancelReservationRequest{}),
		response: reflect.TypeOf(ocpp16.CancelReservationResponse{}),
	},
	ocpp16.ActionReserveNow: {
		request:  reflect.TypeOf(ocpp16.ReserveNowRequest{}),
		response: reflect.TypeOf(ocpp16.ReserveNowResponse{}),
	},
	ocpp16.ActionClearChargingProfile: {
		request:  reflect.TypeOf(ocpp16.ClearChargingProfileRequest{}),
		response: reflect.TypeOf(ocpp16.ClearChargingProfileResponse{}),
	},
	ocpp16.ActionGetCompositeSchedule: {
		request:  reflect.TypeOf(ocpp16.GetCompositeScheduleRequest{}),
		response: reflect.TypeOf(ocpp16.GetCompositeScheduleResponse{}),
	},
	ocpp16.ActionSetChargingProfile: {
		request:  reflect.TypeOf(ocpp16.SetChargingProfileRequest{}),
		response: reflect.TypeOf(ocpp16.SetChargingProfileResponse{}),
	},
	ocpp16.ActionTriggerMessage: {
		request:  reflect.TypeOf(ocpp16.TriggerMessageRequest{}),
		response: reflect.TypeOf(ocpp16.TriggerMessageResponse{}),
	},
}

// NewRequestPayload 创建action对应的请求载荷实例
func NewRequestPayload(action ocpp16.Action) (interface{}, bool) {
	entry, ok := payloadTypes[action]
	if !ok {
		return nil, false
	}
	return reflect.New(entry.request).Interface(), true
}

// NewResponsePayload 创建action对应的响应载荷实例
func NewResponsePayload(action ocpp16.Action) (interface{}, bool) {
	entry, ok := payloadTypes[action]
	if !ok {
		return nil, false
	}
	return reflect.New(entry.response).Interface(), true
}
