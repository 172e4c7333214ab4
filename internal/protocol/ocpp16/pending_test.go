package ocpp16

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

func newTestTable(t *testing.T) (*PendingTable, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return NewPendingTable(mock, zerolog.Nop()), mock
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	table, _ := newTestTable(t)

	first, _, err := table.Register(ocpp16.ActionHeartbeat, 0)
	require.NoError(t, err)
	second, _, err := table.Register(ocpp16.ActionAuthorize, 0)
	require.NoError(t, err)

	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
	assert.Equal(t, 2, table.Len())
}

func TestResolveDeliversPayload(t *testing.T) {
	table, _ := newTestTable(t)

	uniqueID, resultCh, err := table.Register(ocpp16.ActionBootNotification, BootCallTimeout)
	require.NoError(t, err)

	payload := json.RawMessage(`{"status":"Accepted","interval":30}`)
	require.True(t, table.Resolve(uniqueID, payload))

	result := <-resultCh
	require.NoError(t, result.Err)
	assert.Equal(t, ocpp16.ActionBootNotification, result.Action)
	assert.JSONEq(t, string(payload), string(result.Payload))
	assert.Equal(t, 0, table.Len())
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	table, _ := newTestTable(t)

	assert.False(t, table.Resolve("99", json.RawMessage(`{}`)))
}

func TestFailDeliversCallError(t *testing.T) {
	table, _ := newTestTable(t)

	uniqueID, resultCh, err := table.Register(ocpp16.ActionStartTransaction, 0)
	require.NoError(t, err)

	require.True(t, table.Fail(uniqueID, ocpp16.ErrorCodeInternalError, "boom"))

	result := <-resultCh
	require.Error(t, result.Err)

	var callErr *CallError
	require.ErrorAs(t, result.Err, &callErr)
	assert.Equal(t, ocpp16.ErrorCodeInternalError, callErr.Code)
	assert.Equal(t, "boom", callErr.Description)
}

func TestExpireFailsOverdueCalls(t *testing.T) {
	table, mock := newTestTable(t)

	_, shortCh, err := table.Register(ocpp16.ActionHeartbeat, 10*time.Second)
	require.NoError(t, err)
	_, longCh, err := table.Register(ocpp16.ActionBootNotification, BootCallTimeout)
	require.NoError(t, err)

	mock.Add(11 * time.Second)
	assert.Equal(t, 1, table.Expire())

	result := <-shortCh
	assert.ErrorIs(t, result.Err, ErrTimeout)

	select {
	case <-longCh:
		t.Fatal("long call should still be pending")
	default:
	}
	assert.Equal(t, 1, table.Len())

	mock.Add(BootCallTimeout)
	assert.Equal(t, 1, table.Expire())
	result = <-longCh
	assert.ErrorIs(t, result.Err, ErrTimeout)
}

func TestFailAll(t *testing.T) {
	table, _ := newTestTable(t)

	var channels []<-chan Result
	for i := 0; i < 3; i++ {
		_, ch, err := table.Register(ocpp16.ActionMeterValues, 0)
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	assert.Equal(t, 3, table.FailAll(ErrTransportClosed))
	assert.Equal(t, 0, table.Len())

	for _, ch := range channels {
		result := <-ch
		assert.True(t, errors.Is(result.Err, ErrTransportClosed))
	}
}

func TestLateResolveAfterExpiry(t *testing.T) {
	table, mock := newTestTable(t)

	uniqueID, resultCh, err := table.Register(ocpp16.ActionAuthorize, 5*time.Second)
	require.NoError(t, err)

	mock.Add(6 * time.Second)
	require.Equal(t, 1, table.Expire())
	result := <-resultCh
	require.ErrorIs(t, result.Err, ErrTimeout)

	// 超时后到达的响应被丢弃
	assert.False(t, table.Resolve(uniqueID, json.RawMessage(`{}`)))
}

func TestActionLookup(t *testing.T) {
	table, _ := newTestTable(t)

	uniqueID, _, err := table.Register(ocpp16.ActionStopTransaction, 0)
	require.NoError(t, err)

	action, ok := table.Action(uniqueID)
	require.True(t, ok)
	assert.Equal(t, ocpp16.ActionStopTransaction, action)

	_, ok = table.Action("unknown")
	assert.False(t, ok)
}

func TestCancelSingleEntry(t *testing.T) {
	table, _ := newTestTable(t)

	uniqueID, resultCh, err := table.Register(ocpp16.ActionMeterValues, 0)
	require.NoError(t, err)

	require.True(t, table.Cancel(uniqueID))
	result := <-resultCh
	require.ErrorIs(t, result.Err, ErrCancelled)
	assert.Equal(t, 0, table.Len())

	// 已取消的表项不可重复取消
	assert.False(t, table.Cancel(uniqueID))
}
