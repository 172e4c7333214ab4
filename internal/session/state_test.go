package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

func TestCanTransitionAllowsLifecyclePath(t *testing.T) {
	path := []State{
		StateDisconnected, StateBooting, StateAvailable, StatePreparing,
		StateCharging, StateFinishing, StateAvailable,
	}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateDisconnected, StateAvailable},
		{StateDisconnected, StateCharging},
		{StateAvailable, StateCharging},
		{StateAvailable, StateFinishing},
		{StateCharging, StateAvailable},
		{StateCharging, StatePreparing},
		{StateFinishing, StateCharging},
		{StateFaulted, StateCharging},
		{StateReserved, StateCharging},
	}
	for _, tc := range cases {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestEveryStateCanReachDisconnected(t *testing.T) {
	for _, state := range States() {
		if state == StateDisconnected {
			continue
		}
		assert.True(t, CanTransition(state, StateDisconnected), "from %s", state)
	}
}

func TestSuspensionTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateCharging, StateSuspendedEV))
	assert.True(t, CanTransition(StateCharging, StateSuspendedEVSE))
	assert.True(t, CanTransition(StateSuspendedEV, StateCharging))
	assert.True(t, CanTransition(StateSuspendedEVSE, StateCharging))
	assert.True(t, CanTransition(StateSuspendedEV, StateFinishing))
	assert.False(t, CanTransition(StateSuspendedEV, StateSuspendedEVSE))
}

func TestConnectorStatusMapping(t *testing.T) {
	cases := map[State]ocpp16.ChargePointStatus{
		StateAvailable:     ocpp16.ChargePointStatusAvailable,
		StatePreparing:     ocpp16.ChargePointStatusPreparing,
		StateReserved:      ocpp16.ChargePointStatusReserved,
		StateCharging:      ocpp16.ChargePointStatusCharging,
		StateSuspendedEV:   ocpp16.ChargePointStatusSuspendedEV,
		StateSuspendedEVSE: ocpp16.ChargePointStatusSuspendedEVSE,
		StateFinishing:     ocpp16.ChargePointStatusFinishing,
		StateFaulted:       ocpp16.ChargePointStatusFaulted,
		StateUnavailable:   ocpp16.ChargePointStatusUnavailable,
		StateDisconnected:  ocpp16.ChargePointStatusUnavailable,
		StateBooting:       ocpp16.ChargePointStatusUnavailable,
	}
	for state, want := range cases {
		assert.Equal(t, want, ConnectorStatus(state), "state %s", state)
	}
}

func TestConnectedAndInTransaction(t *testing.T) {
	assert.False(t, StateDisconnected.Connected())
	assert.True(t, StateBooting.Connected())
	assert.True(t, StateCharging.Connected())

	assert.True(t, StateCharging.InTransaction())
	assert.True(t, StateSuspendedEV.InTransaction())
	assert.True(t, StateSuspendedEVSE.InTransaction())
	assert.True(t, StateFinishing.InTransaction())
	assert.False(t, StateAvailable.InTransaction())
	assert.False(t, StatePreparing.InTransaction())
}
