package fleet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/fleet-simulator/internal/domain/serialization"
	"github.com/charging-platform/fleet-simulator/internal/session"
	"github.com/charging-platform/fleet-simulator/internal/storage"
)

// findCall 查找fake链路上最新一条指定action的请求帧
func (f *fakeTransport) findCall(t *testing.T, action ocpp16.Action) (string, bool) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		frame, err := serialization.Decode(f.frames[i])
		if err != nil || frame.Type != ocpp16.Call {
			continue
		}
		if frame.Action == action {
			return frame.UniqueID, true
		}
	}
	return "", false
}

// callCount 统计fake链路上指定action的请求帧数
func (f *fakeTransport) callCount(action ocpp16.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, data := range f.frames {
		frame, err := serialization.Decode(data)
		if err != nil || frame.Type != ocpp16.Call {
			continue
		}
		if frame.Action == action {
			count++
		}
	}
	return count
}

// mockCSMS 模拟中央系统: 建链回调并应答BootNotification
func mockCSMS(t *testing.T, s *session.Session, ft *fakeTransport, done <-chan struct{}) {
	t.Helper()
	answered := map[string]bool{}
	signaled := false
	for {
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
		}

		ft.mu.Lock()
		connected := ft.connected
		ft.mu.Unlock()
		if !connected {
			signaled = false
			continue
		}
		if !signaled && s.State() == session.StateDisconnected {
			signaled = true
			s.HandleConnected(false)
			continue
		}

		if uniqueID, ok := ft.findCall(t, ocpp16.ActionBootNotification); ok && !answered[uniqueID] {
			answered[uniqueID] = true
			payload := ocpp16.BootNotificationResponse{
				Status:      ocpp16.RegistrationStatusAccepted,
				CurrentTime: ocpp16.NewDateTime(time.Now()),
				Interval:    300,
			}
			data, err := serialization.EncodeCallResult(uniqueID, payload)
			require.NoError(t, err)
			s.HandleFrame(data)
		}
	}
}

func TestScenarioResolvesBuiltins(t *testing.T) {
	r, _, _, _ := testRegistry(t, testConfig())

	for _, name := range []string{"full-charge-cycle", "boot-only", "reconnect-storm"} {
		sc, err := r.Scenario(context.Background(), name)
		require.NoError(t, err, name)
		assert.Equal(t, name, sc.Name)
		assert.NotEmpty(t, sc.Steps)
	}
}

func TestScenarioFallsBackToStore(t *testing.T) {
	r, _, store, _ := testRegistry(t, testConfig())
	store.scenarios["custom"] = storage.Scenario{
		Name:  "custom",
		Steps: []storage.ScenarioStep{{Op: "connect"}},
	}

	sc, err := r.Scenario(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", sc.Name)

	_, err = r.Scenario(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunScenarioBootOnly(t *testing.T) {
	r, transports, _, _ := testRegistry(t, testConfig())

	_, err := r.Create(session.OptionsFromConfig(testConfig(), "CP-0001"))
	require.NoError(t, err)
	s, err := r.Get("CP-0001")
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	go mockCSMS(t, s, transports["CP-0001"], done)

	sc, err := r.Scenario(context.Background(), "boot-only")
	require.NoError(t, err)
	require.NoError(t, r.RunScenario(context.Background(), "CP-0001", sc))
	assert.Equal(t, session.StateAvailable, s.State())
}

func TestRunScenarioUnknownSession(t *testing.T) {
	r, _, _, _ := testRegistry(t, testConfig())

	err := r.RunScenario(context.Background(), "CP-9999", builtinScenarios["boot-only"])
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRunScenarioRejectsUnknownOp(t *testing.T) {
	r, _, _, _ := testRegistry(t, testConfig())

	_, err := r.Create(session.OptionsFromConfig(testConfig(), "CP-0001"))
	require.NoError(t, err)

	sc := storage.Scenario{
		Name:  "bad",
		Steps: []storage.ScenarioStep{{Op: "teleport"}},
	}
	err = r.RunScenario(context.Background(), "CP-0001", sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestRunScenarioStopsOnStepFailure(t *testing.T) {
	r, _, _, _ := testRegistry(t, testConfig())

	_, err := r.Create(session.OptionsFromConfig(testConfig(), "CP-0001"))
	require.NoError(t, err)

	// 未建链时plugin失败, 场景立即中止
	sc := storage.Scenario{
		Name:  "broken",
		Steps: []storage.ScenarioStep{{Op: "plugin"}, {Op: "stop"}},
	}
	err = r.RunScenario(context.Background(), "CP-0001", sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestRunScenarioWaitHonorsContext(t *testing.T) {
	r, _, _, _ := testRegistry(t, testConfig())

	_, err := r.Create(session.OptionsFromConfig(testConfig(), "CP-0001"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sc := storage.Scenario{
		Name:  "long-wait",
		Steps: []storage.ScenarioStep{{Op: "wait", Params: map[string]string{"duration": "1h"}}},
	}
	err = r.RunScenario(ctx, "CP-0001", sc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScenarioStepsRoundTripJSON(t *testing.T) {
	sc := builtinScenarios["full-charge-cycle"]
	data, err := json.Marshal(sc)
	require.NoError(t, err)

	var decoded storage.Scenario
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, sc.Name, decoded.Name)
	assert.Len(t, decoded.Steps, len(sc.Steps))
}
