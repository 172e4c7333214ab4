package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/domain/serialization"
	"github.com/charging-platform/fleet-simulator/internal/metrics"
	"github.com/charging-platform/fleet-simulator/internal/transport/websocket"
)

// fakeTransport 可编程链路替身。回调由测试显式驱动。
type fakeTransport struct {
	mu         sync.Mutex
	frames     []websocket.OutboundFrame
	connectErr error
	reject     bool
	state      websocket.LinkState

	connects    int
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: websocket.LinkStateIdle}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = websocket.LinkStateConnected
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = websocket.LinkStateClosed
}

func (f *fakeTransport) Enqueue(frame websocket.OutboundFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) ClearQueue() int { return 0 }
func (f *fakeTransport) QueueLen() int   { return 0 }

func (f *fakeTransport) State() websocket.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Stats() websocket.LinkStats {
	return websocket.LinkStats{State: f.State()}
}

// sentCalls 已发送的指定动作CALL帧, 解码后返回
func (f *fakeTransport) sentCalls(t *testing.T, action ocpp16.Action) []*serialization.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*serialization.Frame
	for _, fr := range f.frames {
		if fr.Kind != websocket.FrameKindCall || fr.Action != action {
			continue
		}
		decoded, err := serialization.Decode(fr.Data)
		require.NoError(t, err)
		out = append(out, decoded)
	}
	return out
}

// awaitCall 等待指定动作的第n条(从0起)CALL帧出现
func (f *fakeTransport) awaitCall(t *testing.T, action ocpp16.Action, n int) *serialization.Frame {
	t.Helper()
	var frame *serialization.Frame
	require.Eventually(t, func() bool {
		calls := f.sentCalls(t, action)
		if len(calls) <= n {
			return false
		}
		frame = calls[n]
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected %s call #%d", action, n)
	return frame
}

// findReply 查找对uniqueID的应答帧, 未找到返回nil
func (f *fakeTransport) findReply(uniqueID string) *serialization.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		fr := f.frames[i]
		if fr.Kind == websocket.FrameKindCall {
			continue
		}
		decoded, err := serialization.Decode(fr.Data)
		if err != nil {
			continue
		}
		if decoded.UniqueID == uniqueID {
			return decoded
		}
	}
	return nil
}

// awaitReply 等待对uniqueID的应答帧
func (f *fakeTransport) awaitReply(t *testing.T, uniqueID string) *serialization.Frame {
	t.Helper()
	var reply *serialization.Frame
	require.Eventually(t, func() bool {
		reply = f.findReply(uniqueID)
		return reply != nil
	}, 2*time.Second, 5*time.Millisecond, "expected reply for %s", uniqueID)
	return reply
}

func testOptions() Options {
	return Options{
		ChargePointID:        "CP-TEST-01",
		Vendor:               "SimVendor",
		Model:                "SimModel",
		SerialNumber:         "SN-001",
		FirmwareVersion:      "1.2.3",
		ChargerType:          "AC_TRI",
		VehicleID:            "generic-ev",
		IdTag:                "TAG-DEFAULT",
		DataTransferVendorID: "com.simvendor",
		HeartbeatInterval:    300 * time.Second,
		MeterInterval:        60 * time.Second,
		CallTimeout:          5 * time.Second,
		BootCallTimeout:      5 * time.Second,
		InitialSoc:           20,
		TargetSoc:            80,
		HeartbeatEnabled:     true,
		MeterValuesEnabled:   true,
	}
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	transport := newFakeTransport()
	s, err := New(testOptions(), Deps{
		Clock:     mock,
		Logger:    zerolog.Nop(),
		Transport: transport,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, transport, mock
}

// flush 等待邮箱排空到当前位置
func flush(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.call(func() error { return nil }))
}

// resolveCall 注入对挂起CALL的CALLRESULT
func resolveCall(t *testing.T, s *Session, uniqueID string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.HandleFrame([]byte(fmt.Sprintf(`[3,%q,%s]`, uniqueID, data)))
}

func awaitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

// bootAccepted 驱动连接与Boot流程到AVAILABLE
func bootAccepted(t *testing.T, s *Session, transport *fakeTransport, mock *clock.Mock) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	s.HandleConnected(false)

	boot := transport.awaitCall(t, ocpp16.ActionBootNotification, 0)
	resolveCall(t, s, boot.UniqueID, ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.NewDateTime(mock.Now()),
		Interval:    60,
	})
	awaitState(t, s, StateAvailable)
}

// startCharging 驱动授权+开始交易流程到CHARGING
func startCharging(t *testing.T, s *Session, transport *fakeTransport, mock *clock.Mock, txID int) {
	t.Helper()
	require.NoError(t, s.PlugIn())
	require.NoError(t, s.StartCharging("TAG-1"))

	auth := transport.awaitCall(t, ocpp16.ActionAuthorize, 0)
	resolveCall(t, s, auth.UniqueID, ocpp16.AuthorizeResponse{
		IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
	})

	start := transport.awaitCall(t, ocpp16.ActionStartTransaction, 0)
	resolveCall(t, s, start.UniqueID, ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: txID,
	})
	awaitState(t, s, StateCharging)
}

func TestNewRejectsUnknownChargerType(t *testing.T) {
	opts := testOptions()
	opts.ChargerType = "AC_UNKNOWN"

	_, err := New(opts, Deps{Logger: zerolog.Nop(), Transport: newFakeTransport()})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "chargerType", cfgErr.Field)
}

func TestNewRejectsEmptyChargePointID(t *testing.T) {
	opts := testOptions()
	opts.ChargePointID = ""

	_, err := New(opts, Deps{Logger: zerolog.Nop(), Transport: newFakeTransport()})
	require.Error(t, err)
}

func TestConnectSendsBootNotification(t *testing.T) {
	s, transport, _ := newTestSession(t)

	require.NoError(t, s.Connect(context.Background()))
	s.HandleConnected(false)
	awaitState(t, s, StateBooting)

	boot := transport.awaitCall(t, ocpp16.ActionBootNotification, 0)
	var payload ocpp16.BootNotificationRequest
	require.NoError(t, json.Unmarshal(boot.Payload, &payload))
	assert.Equal(t, "SimVendor", payload.ChargePointVendor)
	assert.Equal(t, "SimModel", payload.ChargePointModel)
	require.NotNil(t, payload.FirmwareVersion)
	assert.Equal(t, "1.2.3", *payload.FirmwareVersion)
}

func TestConnectRejectedWhenAlreadyConnected(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	err := s.Connect(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "connect", stateErr.Op)
}

func TestBootAcceptedAdoptsIntervalAndReportsAvailable(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	snap := s.Snapshot()
	assert.Equal(t, 60*time.Second, snap.HeartbeatInterval)

	status := transport.awaitCall(t, ocpp16.ActionStatusNotification, 0)
	var payload ocpp16.StatusNotificationRequest
	require.NoError(t, json.Unmarshal(status.Payload, &payload))
	assert.Equal(t, ocpp16.ChargePointStatusAvailable, payload.Status)
	assert.Equal(t, ocpp16.ChargePointErrorCodeNoError, payload.ErrorCode)
}

func TestBootPendingSchedulesRetry(t *testing.T) {
	s, transport, mock := newTestSession(t)
	require.NoError(t, s.Connect(context.Background()))
	s.HandleConnected(false)

	boot := transport.awaitCall(t, ocpp16.ActionBootNotification, 0)
	resolveCall(t, s, boot.UniqueID, ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusPending,
		CurrentTime: ocpp16.NewDateTime(mock.Now()),
		Interval:    10,
	})

	require.Eventually(t, func() bool {
		var set bool
		s.call(func() error {
			set = !s.nextBootRetryAt.IsZero()
			return nil
		})
		return set
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateBooting, s.State())

	// 到期的tick重发BootNotification
	retryAt := mock.Now().Add(10 * time.Second)
	s.post(func() { s.handleTick(retryAt) })
	transport.awaitCall(t, ocpp16.ActionBootNotification, 1)
}

func TestFullChargeCycle(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)
	startCharging(t, s, transport, mock, 42)

	snap := s.Snapshot()
	require.NotNil(t, snap.TransactionID)
	assert.Equal(t, 42, *snap.TransactionID)

	require.NoError(t, s.StopCharging())
	stop := transport.awaitCall(t, ocpp16.ActionStopTransaction, 0)
	var payload ocpp16.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &payload))
	assert.Equal(t, 42, payload.TransactionId)
	require.NotNil(t, payload.Reason)
	assert.Equal(t, ocpp16.ReasonLocal, *payload.Reason)

	resolveCall(t, s, stop.UniqueID, ocpp16.StopTransactionResponse{})
	awaitState(t, s, StateAvailable)
	assert.Nil(t, s.Snapshot().TransactionID)
}

func TestCachedAuthorizationSkipsWireAuthorize(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	s.authCache.Put("TAG-1", ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted})
	require.NoError(t, s.PlugIn())
	require.NoError(t, s.StartCharging("TAG-1"))

	transport.awaitCall(t, ocpp16.ActionStartTransaction, 0)
	assert.Empty(t, transport.sentCalls(t, ocpp16.ActionAuthorize))
}

func TestAuthorizeDeniedStaysPreparing(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	require.NoError(t, s.PlugIn())
	require.NoError(t, s.StartCharging("TAG-BAD"))

	auth := transport.awaitCall(t, ocpp16.ActionAuthorize, 0)
	resolveCall(t, s, auth.UniqueID, ocpp16.AuthorizeResponse{
		IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked},
	})

	require.Eventually(t, func() bool {
		info, ok := s.authCache.Lookup("TAG-BAD")
		return ok && info.Status == ocpp16.AuthorizationStatusBlocked
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePreparing, s.State())
	assert.Empty(t, transport.sentCalls(t, ocpp16.ActionStartTransaction))
}

func TestStartTransactionDeauthorizedStopsImmediately(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	require.NoError(t, s.PlugIn())
	s.authCache.Put("TAG-1", ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted})
	require.NoError(t, s.StartCharging("TAG-1"))

	start := transport.awaitCall(t, ocpp16.ActionStartTransaction, 0)
	resolveCall(t, s, start.UniqueID, ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusExpired},
		TransactionId: 7,
	})

	stop := transport.awaitCall(t, ocpp16.ActionStopTransaction, 0)
	var payload ocpp16.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &payload))
	assert.Equal(t, 7, payload.TransactionId)
	require.NotNil(t, payload.Reason)
	assert.Equal(t, ocpp16.ReasonDeAuthorized, *payload.Reason)
	assert.Equal(t, StatePreparing, s.State())
}

func TestLinkLossInterruptsTransaction(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)
	startCharging(t, s, transport, mock, 42)

	s.HandleDisconnected(fmt.Errorf("read: connection reset"))
	awaitState(t, s, StateDisconnected)

	// 重连并Boot成功后补发最终StopTransaction(PowerLoss)
	s.HandleConnected(true)
	boot := transport.awaitCall(t, ocpp16.ActionBootNotification, 1)
	resolveCall(t, s, boot.UniqueID, ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.NewDateTime(mock.Now()),
		Interval:    60,
	})
	awaitState(t, s, StateAvailable)

	stop := transport.awaitCall(t, ocpp16.ActionStopTransaction, 0)
	var payload ocpp16.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &payload))
	assert.Equal(t, 42, payload.TransactionId)
	require.NotNil(t, payload.Reason)
	assert.Equal(t, ocpp16.ReasonPowerLoss, *payload.Reason)
}

func TestSuspendAndResume(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)
	startCharging(t, s, transport, mock, 42)

	require.NoError(t, s.Suspend())
	assert.Equal(t, StateSuspendedEV, s.State())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateCharging, s.State())

	// 暂停与恢复都上报了状态
	var statuses []ocpp16.ChargePointStatus
	for _, frame := range transport.sentCalls(t, ocpp16.ActionStatusNotification) {
		var payload ocpp16.StatusNotificationRequest
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		statuses = append(statuses, payload.Status)
	}
	assert.Contains(t, statuses, ocpp16.ChargePointStatusSuspendedEV)
}

func TestInjectFaultStopsTransaction(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)
	startCharging(t, s, transport, mock, 42)

	require.NoError(t, s.InjectFault(ocpp16.ChargePointErrorCodeHighTemperature))
	assert.Equal(t, StateFaulted, s.State())

	stop := transport.awaitCall(t, ocpp16.ActionStopTransaction, 0)
	var payload ocpp16.StopTransactionRequest
	require.NoError(t, json.Unmarshal(stop.Payload, &payload))
	require.NotNil(t, payload.Reason)
	assert.Equal(t, ocpp16.ReasonEmergencyStop, *payload.Reason)

	require.NoError(t, s.ClearFault())
	assert.Equal(t, StateAvailable, s.State())
}

func TestPlugInRejectedWhenDisconnected(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.PlugIn()
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestSnapshotReflectsIdentity(t *testing.T) {
	s, _, _ := newTestSession(t)

	snap := s.Snapshot()
	assert.Equal(t, "CP-TEST-01", snap.ChargePointID)
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Equal(t, "AC_TRI", snap.ChargerType)
	assert.Equal(t, "generic-ev", snap.VehicleID)
	assert.InDelta(t, 20, snap.Soc, 0.01)
}

func TestMessagesRingBufferRecordsTraffic(t *testing.T) {
	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)

	records := s.Messages()
	require.NotEmpty(t, records)
	assert.Equal(t, string(ocpp16.ActionBootNotification), records[0].Action)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.Close()
	s.Close()

	assert.Equal(t, ErrSessionClosed, s.PlugIn())
}

func TestActiveLimitUnlimitedAfterClose(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.Close()

	assert.True(t, math.IsInf(s.ActiveLimitKW(), 1))
}

func TestPostAsyncKeepsOrderUnderMailboxPressure(t *testing.T) {
	s, _, _ := newTestSession(t)

	// 堵住消费者并填满邮箱
	gate := make(chan struct{})
	require.True(t, s.post(func() { <-gate }))
	for i := 0; i < cap(s.mailbox); i++ {
		s.postAsync(func() {})
	}

	var mu sync.Mutex
	var got []int
	for i := 0; i < 32; i++ {
		n := i
		s.postAsync(func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}

	close(gate)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 32
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		assert.Equal(t, i, n, "closure %d executed out of order", n)
	}
}

func TestTransactionGaugeNotWrittenBySession(t *testing.T) {
	before := testutil.ToFloat64(metrics.ActiveTransactions)

	s, transport, mock := newTestSession(t)
	bootAccepted(t, s, transport, mock)
	startCharging(t, s, transport, mock, 42)
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveTransactions))

	require.NoError(t, s.StopCharging())
	stop := transport.awaitCall(t, ocpp16.ActionStopTransaction, 0)
	resolveCall(t, s, stop.UniqueID, ocpp16.StopTransactionResponse{})
	awaitState(t, s, StateAvailable)
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveTransactions))
}
