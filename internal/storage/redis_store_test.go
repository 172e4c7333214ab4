package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/fleet-simulator/internal/storage"
)

func newMockStore(t *testing.T) (*storage.RedisStore, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return &storage.RedisStore{Client: db, Prefix: "simulator"}, mock
}

func sampleSnapshot() storage.SessionSnapshot {
	txID := 4242
	return storage.SessionSnapshot{
		ChargePointID: "CP-0001",
		State:         "CHARGING",
		ChargerType:   "AC_TRI",
		VehicleID:     "generic-ev",
		Soc:           42.5,
		EnergyWh:      1234.5,
		PowerW:        11000,
		TransactionID: &txID,
		ConnectedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestSaveSession(t *testing.T) {
	store, mock := newMockStore(t)
	snapshot := sampleSnapshot()

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	mock.ExpectSet("simulator:session:CP-0001", data, 0).SetVal("OK")
	mock.ExpectSAdd("simulator:sessions", "CP-0001").SetVal(1)

	require.NoError(t, store.SaveSession(context.Background(), snapshot))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSessions(t *testing.T) {
	store, mock := newMockStore(t)
	snapshot := sampleSnapshot()

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	mock.ExpectSMembers("simulator:sessions").SetVal([]string{"CP-0001", "CP-gone"})
	mock.ExpectGet("simulator:session:CP-0001").SetVal(string(data))
	// 索引中的悬空条目被跳过
	mock.ExpectGet("simulator:session:CP-gone").SetErr(redis.Nil)

	snapshots, err := store.LoadSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "CP-0001", snapshots[0].ChargePointID)
	assert.Equal(t, 42.5, snapshots[0].Soc)
	require.NotNil(t, snapshots[0].TransactionID)
	assert.Equal(t, 4242, *snapshots[0].TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectDel("simulator:session:CP-0001").SetVal(1)
	mock.ExpectSRem("simulator:sessions", "CP-0001").SetVal(1)

	require.NoError(t, store.DeleteSession(context.Background(), "CP-0001"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecording(t *testing.T) {
	store, mock := newMockStore(t)

	meta := storage.RecordingMeta{
		ID:            "rec-001",
		ChargePointID: "CP-0001",
		StartedAt:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		StoppedAt:     time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC),
		EventCount:    120,
	}
	data, err := json.Marshal(meta)
	require.NoError(t, err)

	mock.ExpectSet("simulator:recording:rec-001", data, 0).SetVal("OK")

	require.NoError(t, store.SaveRecording(context.Background(), meta))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadScenario(t *testing.T) {
	store, mock := newMockStore(t)

	scenario := storage.Scenario{
		Name:        "overnight",
		Description: "slow AC charge",
		Steps: []storage.ScenarioStep{
			{Op: "connect"},
			{Op: "boot"},
			{Op: "start", Delay: 2 * time.Second, Params: map[string]string{"idTag": "TAG-1"}},
		},
	}
	data, err := json.Marshal(scenario)
	require.NoError(t, err)

	mock.ExpectSet("simulator:scenario:overnight", data, 0).SetVal("OK")
	require.NoError(t, store.SaveScenario(context.Background(), scenario))

	mock.ExpectGet("simulator:scenario:overnight").SetVal(string(data))
	loaded, err := store.LoadScenario(context.Background(), "overnight")
	require.NoError(t, err)
	assert.Equal(t, scenario.Name, loaded.Name)
	require.Len(t, loaded.Steps, 3)
	assert.Equal(t, "TAG-1", loaded.Steps[2].Params["idTag"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadScenarioNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectGet("simulator:scenario:missing").SetErr(redis.Nil)

	_, err := store.LoadScenario(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSessionError(t *testing.T) {
	store, mock := newMockStore(t)
	snapshot := sampleSnapshot()

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	expectedErr := errors.New("redis set error")
	mock.ExpectSet("simulator:session:CP-0001", data, 0).SetErr(expectedErr)

	assert.ErrorIs(t, store.SaveSession(context.Background(), snapshot), expectedErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNoopStore(t *testing.T) {
	store := storage.NewNoopStore()
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, storage.SessionSnapshot{ChargePointID: "CP-1"}))

	snapshots, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshots)

	_, err = store.LoadScenario(ctx, "anything")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, store.Close())
}
