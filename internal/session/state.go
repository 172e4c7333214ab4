package session

import (
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// State 会话生命周期状态
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateBooting       State = "BOOTING"
	StateAvailable     State = "AVAILABLE"
	StatePreparing     State = "PREPARING"
	StateReserved      State = "RESERVED"
	StateCharging      State = "CHARGING"
	StateSuspendedEV   State = "SUSPENDED_EV"
	StateSuspendedEVSE State = "SUSPENDED_EVSE"
	StateFinishing     State = "FINISHING"
	StateFaulted       State = "FAULTED"
	StateUnavailable   State = "UNAVAILABLE"
)

// States 全部状态, 按生命周期顺序
func States() []State {
	return []State{
		StateDisconnected, StateBooting, StateAvailable, StatePreparing,
		StateReserved, StateCharging, StateSuspendedEV, StateSuspendedEVSE,
		StateFinishing, StateFaulted, StateUnavailable,
	}
}

// transitions 状态机允许的迁移表
var transitions = map[State][]State{
	StateDisconnected: {StateBooting},
	StateBooting: {
		StateBooting, StateAvailable, StateDisconnected, StateFaulted, StateUnavailable,
	},
	StateAvailable: {
		StatePreparing, StateReserved, StateUnavailable, StateFaulted, StateDisconnected,
	},
	StatePreparing: {
		StateCharging, StateFinishing, StateAvailable, StateFaulted, StateDisconnected,
	},
	StateReserved: {
		StateAvailable, StatePreparing, StateFaulted, StateDisconnected,
	},
	StateCharging: {
		StateFinishing, StateSuspendedEV, StateSuspendedEVSE, StateFaulted,
		StateUnavailable, StateDisconnected,
	},
	StateSuspendedEV: {
		StateCharging, StateFinishing, StateFaulted, StateDisconnected,
	},
	StateSuspendedEVSE: {
		StateCharging, StateFinishing, StateFaulted, StateDisconnected,
	},
	StateFinishing: {
		StateAvailable, StateUnavailable, StateFaulted, StateDisconnected,
	},
	StateFaulted: {
		StateAvailable, StateUnavailable, StateDisconnected,
	},
	StateUnavailable: {
		StateAvailable, StateBooting, StateDisconnected,
	},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnectorStatus 会话状态到OCPP连接器状态的映射。DISCONNECTED与
// BOOTING没有线上表示, 映射为Unavailable但不会被发送。
func ConnectorStatus(s State) ocpp16.ChargePointStatus {
	switch s {
	case StateAvailable:
		return ocpp16.ChargePointStatusAvailable
	case StatePreparing:
		return ocpp16.ChargePointStatusPreparing
	case StateReserved:
		return ocpp16.ChargePointStatusReserved
	case StateCharging:
		return ocpp16.ChargePointStatusCharging
	case StateSuspendedEV:
		return ocpp16.ChargePointStatusSuspendedEV
	case StateSuspendedEVSE:
		return ocpp16.ChargePointStatusSuspendedEVSE
	case StateFinishing:
		return ocpp16.ChargePointStatusFinishing
	case StateFaulted:
		return ocpp16.ChargePointStatusFaulted
	default:
		return ocpp16.ChargePointStatusUnavailable
	}
}

// Connected 会话是否处于已建链的状态
func (s State) Connected() bool {
	return s != StateDisconnected
}

// InTransaction 会话是否处于交易进行中的状态
func (s State) InTransaction() bool {
	switch s {
	case StateCharging, StateSuspendedEV, StateSuspendedEVSE, StateFinishing:
		return true
	default:
		return false
	}
}
