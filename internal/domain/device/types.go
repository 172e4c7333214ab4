package device

import (
	"math"
	"sort"
)

// PowerType 供电类型
type PowerType string

const (
	PowerTypeAC PowerType = "AC"
	PowerTypeDC PowerType = "DC"
)

// ConnectorType 连接器类型
type ConnectorType string

const (
	ConnectorTypeType1   ConnectorType = "Type1"   // SAE J1772
	ConnectorTypeType2   ConnectorType = "Type2"   // IEC 62196-2
	ConnectorTypeCHAdeMO ConnectorType = "CHAdeMO" // CHAdeMO
	ConnectorTypeCCS1    ConnectorType = "CCS1"    // CCS Type 1
	ConnectorTypeCCS2    ConnectorType = "CCS2"    // CCS Type 2
	ConnectorTypeGB      ConnectorType = "GB"      // GB/T (China)
	ConnectorTypeOther   ConnectorType = "Other"
)

// ChargerType 充电桩硬件类型, 常量表中的条目不可变
type ChargerType struct {
	Name            string    `json:"name"`
	PowerType       PowerType `json:"power_type"`
	Phases          int       `json:"phases"`
	NominalVoltageV float64   `json:"nominal_voltage_v"`
	MaxCurrentA     float64   `json:"max_current_a"`
	MaxPowerKW      float64   `json:"max_power_kw"`
}

// MaxPowerW 返回瓦特单位的额定功率
func (ct ChargerType) MaxPowerW() float64 {
	return ct.MaxPowerKW * 1000
}

// PhaseFactor 返回AC功率计算系数k: 单相1, 两相2, 三相√3
func (ct ChargerType) PhaseFactor() float64 {
	if ct.PowerType == PowerTypeDC {
		return 1
	}
	switch ct.Phases {
	case 2:
		return 2
	case 3:
		return math.Sqrt(3)
	default:
		return 1
	}
}

// 预置充电桩类型名
const (
	ChargerTypeACMono = "AC_MONO"
	ChargerTypeACBi   = "AC_BI"
	ChargerTypeACTri  = "AC_TRI"
	ChargerTypeDC50   = "DC_50"
	ChargerTypeDC150  = "DC_150"
	ChargerTypeDC350  = "DC_350"
)

var chargerTypes = map[string]ChargerType{
	ChargerTypeACMono: {
		Name:            ChargerTypeACMono,
		PowerType:       PowerTypeAC,
		Phases:          1,
		NominalVoltageV: 230,
		MaxCurrentA:     32,
		MaxPowerKW:      7.4,
	},
	ChargerTypeACBi: {
		Name:            ChargerTypeACBi,
		PowerType:       PowerTypeAC,
		Phases:          2,
		NominalVoltageV: 230,
		MaxCurrentA:     32,
		MaxPowerKW:      14.7,
	},
	ChargerTypeACTri: {
		Name:            ChargerTypeACTri,
		PowerType:       PowerTypeAC,
		Phases:          3,
		NominalVoltageV: 400,
		MaxCurrentA:     32,
		MaxPowerKW:      22,
	},
	ChargerTypeDC50: {
		Name:            ChargerTypeDC50,
		PowerType:       PowerTypeDC,
		Phases:          3,
		NominalVoltageV: 400,
		MaxCurrentA:     125,
		MaxPowerKW:      50,
	},
	ChargerTypeDC150: {
		Name:            ChargerTypeDC150,
		PowerType:       PowerTypeDC,
		Phases:          3,
		NominalVoltageV: 500,
		MaxCurrentA:     300,
		MaxPowerKW:      150,
	},
	ChargerTypeDC350: {
		Name:            ChargerTypeDC350,
		PowerType:       PowerTypeDC,
		Phases:          3,
		NominalVoltageV: 1000,
		MaxCurrentA:     350,
		MaxPowerKW:      350,
	},
}

// ChargerTypeByName 按名称查找充电桩类型
func ChargerTypeByName(name string) (ChargerType, bool) {
	ct, ok := chargerTypes[name]
	return ct, ok
}

// ChargerTypeNames 返回全部预置类型名, 按字典序
func ChargerTypeNames() []string {
	names := make([]string, 0, len(chargerTypes))
	for name := range chargerTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CurvePoint 充电曲线上的一个点 (SoC百分比 → 瓦特)
type CurvePoint struct {
	SocPercent float64 `json:"soc_percent"`
	PowerW     float64 `json:"power_w"`
}

// VehicleProfile 车辆档案, 加载后不可变
type VehicleProfile struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CapacityWh     float64         `json:"capacity_wh"`
	MaxDCPowerKW   float64         `json:"max_dc_power_kw"`
	MaxACPowerKW   float64         `json:"max_ac_power_kw"`
	ACPhases       int             `json:"ac_phases"`
	ACMaxCurrentA  float64         `json:"ac_max_current_a"`
	ConnectorTypes []ConnectorType `json:"connector_types"`
	ACCurve        []CurvePoint    `json:"ac_curve,omitempty"`
	DCCurve        []CurvePoint    `json:"dc_curve,omitempty"`
}

// 默认功率包络: SoC分段系数, 无自定义曲线时使用
var defaultEnvelope = []struct {
	upTo   float64
	factor float64
}{
	{10, 0.80},
	{20, 0.95},
	{50, 1.00},
	{60, 0.90},
	{70, 0.75},
	{80, 0.55},
	{90, 0.30},
	{math.MaxFloat64, 0.15},
}

// defaultEnvelopeFloorW 默认包络的功率下限
const defaultEnvelopeFloorW = 3000.0

// PowerCeilingW 返回给定SoC下车辆允许的最大充电功率。有自定义曲线时
// 做分段线性插值, 否则按SoC分段包络乘以车侧额定功率, 下限3kW。
func (p VehicleProfile) PowerCeilingW(socPercent float64, powerType PowerType) float64 {
	curve := p.ACCurve
	maxPowerW := p.MaxACPowerKW * 1000
	if powerType == PowerTypeDC {
		curve = p.DCCurve
		maxPowerW = p.MaxDCPowerKW * 1000
	}

	if len(curve) > 0 {
		return interpolateCurve(curve, socPercent)
	}

	factor := 0.15
	for _, band := range defaultEnvelope {
		if socPercent < band.upTo {
			factor = band.factor
			break
		}
	}
	return math.Max(maxPowerW*factor, defaultEnvelopeFloorW)
}

// interpolateCurve 在曲线点之间做分段线性插值, 曲线点按SoC升序
func interpolateCurve(curve []CurvePoint, socPercent float64) float64 {
	if socPercent <= curve[0].SocPercent {
		return curve[0].PowerW
	}
	last := curve[len(curve)-1]
	if socPercent >= last.SocPercent {
		return last.PowerW
	}
	for i := 1; i < len(curve); i++ {
		if socPercent <= curve[i].SocPercent {
			prev, next := curve[i-1], curve[i]
			span := next.SocPercent - prev.SocPercent
			if span <= 0 {
				return next.PowerW
			}
			ratio := (socPercent - prev.SocPercent) / span
			return prev.PowerW + ratio*(next.PowerW-prev.PowerW)
		}
	}
	return last.PowerW
}

// DefaultVehicleID 未指定车辆档案时使用的默认档案
const DefaultVehicleID = "generic-ev"

var vehicleProfiles = map[string]VehicleProfile{
	"generic-ev": {
		ID:             "generic-ev",
		Name:           "Generic EV",
		CapacityWh:     60000,
		MaxDCPowerKW:   150,
		MaxACPowerKW:   11,
		ACPhases:       3,
		ACMaxCurrentA:  16,
		ConnectorTypes: []ConnectorType{ConnectorTypeType2, ConnectorTypeCCS2},
	},
	"city-hatch": {
		ID:             "city-hatch",
		Name:           "City Hatchback",
		CapacityWh:     40000,
		MaxDCPowerKW:   50,
		MaxACPowerKW:   7.4,
		ACPhases:       1,
		ACMaxCurrentA:  32,
		ConnectorTypes: []ConnectorType{ConnectorTypeType2, ConnectorTypeCHAdeMO},
	},
	"long-range-suv": {
		ID:             "long-range-suv",
		Name:           "Long Range SUV",
		CapacityWh:     100000,
		MaxDCPowerKW:   250,
		MaxACPowerKW:   22,
		ACPhases:       3,
		ACMaxCurrentA:  32,
		ConnectorTypes: []ConnectorType{ConnectorTypeType2, ConnectorTypeCCS2},
		DCCurve: []CurvePoint{
			{SocPercent: 0, PowerW: 100000},
			{SocPercent: 10, PowerW: 220000},
			{SocPercent: 20, PowerW: 250000},
			{SocPercent: 50, PowerW: 210000},
			{SocPercent: 70, PowerW: 130000},
			{SocPercent: 85, PowerW: 70000},
			{SocPercent: 95, PowerW: 40000},
			{SocPercent: 100, PowerW: 20000},
		},
	},
	"compact-phev": {
		ID:             "compact-phev",
		Name:           "Compact PHEV",
		CapacityWh:     13000,
		MaxDCPowerKW:   0,
		MaxACPowerKW:   3.7,
		ACPhases:       1,
		ACMaxCurrentA:  16,
		ConnectorTypes: []ConnectorType{ConnectorTypeType1},
	},
}

// VehicleByID 按ID查找车辆档案
func VehicleByID(id string) (VehicleProfile, bool) {
	profile, ok := vehicleProfiles[id]
	return profile, ok
}

// VehicleIDs 返回全部车辆档案ID, 按字典序
func VehicleIDs() []string {
	ids := make([]string, 0, len(vehicleProfiles))
	for id := range vehicleProfiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
