package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/charging-platform/fleet-simulator/internal/session"
	"github.com/charging-platform/fleet-simulator/internal/storage"
)

// stepStateTimeout 等待状态类步骤的超时
const stepStateTimeout = 30 * time.Second

// builtinScenarios 内置场景, 同名自定义场景不覆盖它们
var builtinScenarios = map[string]storage.Scenario{
	"full-charge-cycle": {
		Name:        "full-charge-cycle",
		Description: "connect, boot, run a full transaction, then disconnect",
		Steps: []storage.ScenarioStep{
			{Op: "connect"},
			{Op: "boot"},
			{Op: "plugin", Delay: time.Second},
			{Op: "authorize", Delay: time.Second},
			{Op: "start"},
			{Op: "wait", Params: map[string]string{"duration": "30s"}},
			{Op: "stop"},
			{Op: "disconnect", Delay: 2 * time.Second},
		},
	},
	"boot-only": {
		Name:        "boot-only",
		Description: "connect and wait for an accepted boot",
		Steps: []storage.ScenarioStep{
			{Op: "connect"},
			{Op: "boot"},
		},
	},
	"reconnect-storm": {
		Name:        "reconnect-storm",
		Description: "boot, then cycle the link twice in quick succession",
		Steps: []storage.ScenarioStep{
			{Op: "connect"},
			{Op: "boot"},
			{Op: "disconnect", Delay: time.Second},
			{Op: "connect", Delay: time.Second},
			{Op: "boot"},
			{Op: "disconnect", Delay: time.Second},
			{Op: "connect", Delay: time.Second},
			{Op: "boot"},
		},
	},
}

// BuiltinScenarioNames 内置场景名称列表
func BuiltinScenarioNames() []string {
	names := make([]string, 0, len(builtinScenarios))
	for name := range builtinScenarios {
		names = append(names, name)
	}
	return names
}

// Scenario 按名称解析场景: 先查内置, 再查存储
func (r *Registry) Scenario(ctx context.Context, name string) (storage.Scenario, error) {
	if sc, ok := builtinScenarios[name]; ok {
		return sc, nil
	}
	return r.store.LoadScenario(ctx, name)
}

// RunScenario 在指定会话上顺序执行场景步骤, 任一步失败即中止
func (r *Registry) RunScenario(ctx context.Context, chargePointID string, sc storage.Scenario) error {
	s, err := r.Get(chargePointID)
	if err != nil {
		return err
	}

	r.logger.Info().
		Str("charge_point_id", chargePointID).
		Str("scenario", sc.Name).
		Int("steps", len(sc.Steps)).
		Msg("scenario started")

	for i, step := range sc.Steps {
		if err := r.sleep(ctx, step.Delay); err != nil {
			return err
		}
		if err := r.runStep(ctx, s, step); err != nil {
			return fmt.Errorf("scenario %s step %d (%s): %w", sc.Name, i+1, step.Op, err)
		}
	}

	r.logger.Info().
		Str("charge_point_id", chargePointID).
		Str("scenario", sc.Name).
		Msg("scenario finished")
	return nil
}

func (r *Registry) runStep(ctx context.Context, s *session.Session, step storage.ScenarioStep) error {
	switch step.Op {
	case "connect":
		return s.Connect(ctx)
	case "boot":
		return waitForState(ctx, s, session.StateAvailable)
	case "plugin":
		return s.PlugIn()
	case "authorize":
		return s.StartCharging(step.Params["idTag"])
	case "start":
		return waitForState(ctx, s, session.StateCharging)
	case "stop":
		return s.StopCharging()
	case "disconnect":
		return s.Disconnect()
	case "wait":
		d := step.Delay
		if raw := step.Params["duration"]; raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("invalid wait duration %q: %w", raw, err)
			}
			d = parsed
		}
		return r.sleep(ctx, d)
	default:
		return fmt.Errorf("unknown scenario op %q", step.Op)
	}
}

// sleep 可中断的延时
func (r *Registry) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := r.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForState 轮询等待会话进入目标状态
func waitForState(ctx context.Context, s *session.Session, want session.State) error {
	deadline := time.Now().Add(stepStateTimeout)
	for {
		current := s.State()
		if current == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for state %s, still %s", want, current)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
