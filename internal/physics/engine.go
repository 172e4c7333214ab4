package physics

import (
	"math"
	"math/rand"

	"github.com/charging-platform/fleet-simulator/internal/domain/device"
)

// DefaultEfficiency 充电链路默认效率
const DefaultEfficiency = 0.92

// rampRateWPerSec 功率上升斜率限制 (5/3 kW·s⁻¹)
const rampRateWPerSec = 5000.0 / 3.0

// noiseAmplitude 有效功率的对称噪声幅度
const noiseAmplitude = 0.03

// Sample 单次物理步进的输出
type Sample struct {
	Soc           float64
	EnergyWh      float64
	PowerW        float64
	OfferedW      float64
	CurrentA      float64
	VoltageV      float64
	TargetReached bool
}

// Engine 单会话充电物理模型。仅在CHARGING状态下步进, 电表计数跨交易
// 单调递增。非并发安全, 由会话邮箱串行驱动。
type Engine struct {
	vehicle device.VehicleProfile
	charger device.ChargerType

	soc        float64
	targetSoc  float64
	energyWh   float64
	efficiency float64

	prevPowerW float64
	rng        *rand.Rand
}

// New 创建物理模型。rng为nil时使用随机种子, 测试可注入固定种子。
func New(vehicle device.VehicleProfile, charger device.ChargerType, initialSoc, targetSoc, meterWh float64, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Engine{
		vehicle:    vehicle,
		charger:    charger,
		soc:        clamp(initialSoc, 0, 100),
		targetSoc:  clamp(targetSoc, 0, 100),
		energyWh:   meterWh,
		efficiency: DefaultEfficiency,
		rng:        rng,
	}
}

// Soc 当前电池电量百分比
func (e *Engine) Soc() float64 {
	return e.soc
}

// EnergyWh 当前电表读数(Wh)
func (e *Engine) EnergyWh() float64 {
	return e.energyWh
}

// TargetSoc 目标电量
func (e *Engine) TargetSoc() float64 {
	return e.targetSoc
}

// SetTargetSoc 调整目标电量
func (e *Engine) SetTargetSoc(target float64) {
	e.targetSoc = clamp(target, 0, 100)
}

// ResetRamp 清零斜率限制基准, 交易开始或暂停恢复后调用
func (e *Engine) ResetRamp() {
	e.prevPowerW = 0
}

// EVSECeilingW 桩侧功率上限: AC按P=V·I·k与车辆相数/电流取小, DC按
// P=V·I, 均不超过充电桩额定功率。
func (e *Engine) EVSECeilingW() float64 {
	if e.charger.PowerType == device.PowerTypeDC {
		p := e.charger.NominalVoltageV * e.charger.MaxCurrentA
		return math.Min(p, e.charger.MaxPowerW())
	}

	phases := e.charger.Phases
	if e.vehicle.ACPhases > 0 && e.vehicle.ACPhases < phases {
		phases = e.vehicle.ACPhases
	}
	amps := e.charger.MaxCurrentA
	if e.vehicle.ACMaxCurrentA > 0 && e.vehicle.ACMaxCurrentA < amps {
		amps = e.vehicle.ACMaxCurrentA
	}

	p := e.charger.NominalVoltageV * amps * phaseFactor(phases)
	return math.Min(p, e.charger.MaxPowerW())
}

// Step 推进一次物理仿真。dtSec为经过秒数, smartLimitW为智能充电限值
// (无限制传+Inf)。
func (e *Engine) Step(dtSec, smartLimitW float64) Sample {
	if dtSec <= 0 {
		return e.sample(e.prevPowerW, 0)
	}

	vehicleW := e.vehicle.PowerCeilingW(e.soc, e.charger.PowerType)
	evseW := e.EVSECeilingW()

	offeredW := math.Min(vehicleW, evseW)
	effectiveW := math.Min(offeredW, smartLimitW)

	// 上升斜率限制, 下降不受限
	maxRise := e.prevPowerW + rampRateWPerSec*dtSec
	if effectiveW > maxRise {
		effectiveW = maxRise
	}
	e.prevPowerW = effectiveW

	// ±3%对称噪声, 噪声不得突破限值
	noisyW := effectiveW * (1 + noiseAmplitude*(2*e.rng.Float64()-1))
	noisyW = math.Min(noisyW, math.Min(offeredW, smartLimitW))
	if noisyW < 0 {
		noisyW = 0
	}

	deltaWh := noisyW * dtSec / 3600
	e.energyWh += deltaWh
	if e.vehicle.CapacityWh > 0 {
		e.soc = clamp(e.soc+deltaWh*100/e.vehicle.CapacityWh*e.efficiency, 0, 100)
	}

	return e.sample(noisyW, offeredW)
}

func (e *Engine) sample(powerW, offeredW float64) Sample {
	voltage := e.charger.NominalVoltageV
	current := 0.0
	if voltage > 0 && powerW > 0 {
		current = powerW / (voltage * e.charger.PhaseFactor())
	}

	return Sample{
		Soc:           e.soc,
		EnergyWh:      e.energyWh,
		PowerW:        powerW,
		OfferedW:      offeredW,
		CurrentA:      current,
		VoltageV:      voltage,
		TargetReached: e.soc >= e.targetSoc,
	}
}

func phaseFactor(phases int) float64 {
	switch phases {
	case 2:
		return 2
	case 3:
		return math.Sqrt(3)
	default:
		return 1
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
