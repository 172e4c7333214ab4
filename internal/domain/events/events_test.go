package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseEvent_Implementation(t *testing.T) {
	event := NewBaseEvent(EventTypeSession, "session-1", "CP001")

	assert.NotEmpty(t, event.GetID())
	assert.Equal(t, EventTypeSession, event.GetType())
	assert.Equal(t, "session-1", event.GetSessionID())
	assert.Equal(t, "CP001", event.GetChargePointID())
	assert.WithinDuration(t, time.Now(), event.GetTimestamp(), time.Second)
}

func TestBaseEvent_UniqueIDs(t *testing.T) {
	first := NewBaseEvent(EventTypeOCPP, "s", "cp")
	second := NewBaseEvent(EventTypeOCPP, "s", "cp")

	assert.NotEqual(t, first.GetID(), second.GetID())
}

func TestOCPPMessageEvent(t *testing.T) {
	record := MessageRecord{
		Timestamp: time.Now().UTC(),
		Direction: DirectionOut,
		Frame:     FrameCall,
		Action:    "BootNotification",
		UniqueID:  "1",
		Payload:   json.RawMessage(`{"chargePointVendor":"TestVendor","chargePointModel":"TestModel"}`),
	}

	event := NewOCPPMessageEvent("session-1", "CP001", record)

	assert.Equal(t, EventTypeOCPP, event.GetType())
	assert.Equal(t, "CP001", event.GetChargePointID())
	assert.Equal(t, record, event.GetPayload())

	jsonData, err := event.ToJSON()
	require.NoError(t, err)

	var decoded OCPPMessageEvent
	require.NoError(t, json.Unmarshal(jsonData, &decoded))

	assert.Equal(t, event.GetID(), decoded.GetID())
	assert.Equal(t, DirectionOut, decoded.Record.Direction)
	assert.Equal(t, "BootNotification", decoded.Record.Action)
	assert.JSONEq(t, string(record.Payload), string(decoded.Record.Payload))
}

func TestStateTransitionEvent(t *testing.T) {
	event := NewStateTransitionEvent("session-1", "CP001", 1, "AVAILABLE", "PREPARING", "Authorize")

	assert.Equal(t, EventTypeSession, event.GetType())

	payload, ok := event.GetPayload().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "AVAILABLE", payload["from"])
	assert.Equal(t, "PREPARING", payload["to"])

	jsonData, err := event.ToJSON()
	require.NoError(t, err)

	var decoded StateTransitionEvent
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, "PREPARING", decoded.To)
	assert.Equal(t, 1, decoded.ConnectorID)
}

func TestPhysicsTickEvent(t *testing.T) {
	transactionID := 4242
	snapshot := PhysicsSnapshot{
		State:         "CHARGING",
		Soc:           42.5,
		TargetSoc:     80,
		PowerW:        7360,
		OfferedW:      7400,
		EnergyWh:      1534.2,
		CurrentA:      32,
		VoltageV:      230,
		TransactionID: &transactionID,
	}

	event := NewPhysicsTickEvent("session-1", "CP001", snapshot)

	assert.Equal(t, EventTypePhysics, event.GetType())
	assert.Equal(t, snapshot, event.GetPayload())

	jsonData, err := event.ToJSON()
	require.NoError(t, err)

	var decoded PhysicsTickEvent
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, 42.5, decoded.Snapshot.Soc)
	require.NotNil(t, decoded.Snapshot.TransactionID)
	assert.Equal(t, 4242, *decoded.Snapshot.TransactionID)
}

func TestFleetMetricsEvent(t *testing.T) {
	snapshot := FleetSnapshot{
		TotalSessions: 100,
		CountsByState: map[string]int{
			"CHARGING":  40,
			"AVAILABLE": 60,
		},
		TotalPowerW:      294000,
		TotalEnergyWh:    125000,
		ThroughputPerSec: 850,
	}

	event := NewFleetMetricsEvent(snapshot)

	assert.Equal(t, EventTypeFleet, event.GetType())
	assert.Empty(t, event.GetSessionID())

	jsonData, err := event.ToJSON()
	require.NoError(t, err)

	var decoded FleetMetricsEvent
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, 100, decoded.Snapshot.TotalSessions)
	assert.Equal(t, 40, decoded.Snapshot.CountsByState["CHARGING"])
}
