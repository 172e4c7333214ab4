package smartcharging

import (
	"math"
	"sort"
	"time"

	"github.com/charging-platform/fleet-simulator/internal/domain/device"
	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// NoLimit 无任何配置生效时的返回值
var NoLimit = math.Inf(1)

// entry 配置集中的一条配置, seq记录插入顺序用于stackLevel平局
type entry struct {
	profile     ocpp16.ChargingProfile
	connectorID int
	seq         uint64
}

// ProfileSet 会话持有的充电配置集。同一(purpose, stackLevel)至多一条,
// 插入即替换。非并发安全, 由会话邮箱串行访问。
type ProfileSet struct {
	entries []entry
	nextSeq uint64
}

// NewProfileSet 创建空配置集
func NewProfileSet() *ProfileSet {
	return &ProfileSet{}
}

// Validate 检查配置的计划是否合法: 时段按startPeriod严格递增
func Validate(profile ocpp16.ChargingProfile) bool {
	periods := profile.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return false
	}
	for i := 1; i < len(periods); i++ {
		if periods[i].StartPeriod <= periods[i-1].StartPeriod {
			return false
		}
	}
	return true
}

// Set 插入配置, 替换同(purpose, stackLevel)的旧配置。
// 计划非法时返回false且不修改集合。
func (s *ProfileSet) Set(profile ocpp16.ChargingProfile, connectorID int) bool {
	if !Validate(profile) {
		return false
	}

	for i := range s.entries {
		if s.entries[i].profile.ChargingProfilePurpose == profile.ChargingProfilePurpose &&
			s.entries[i].profile.StackLevel == profile.StackLevel {
			s.entries[i].profile = profile
			s.entries[i].connectorID = connectorID
			s.entries[i].seq = s.nextSeq
			s.nextSeq++
			return true
		}
	}

	s.entries = append(s.entries, entry{profile: profile, connectorID: connectorID, seq: s.nextSeq})
	s.nextSeq++
	return true
}

// ClearCriteria ClearChargingProfile的匹配条件, 全nil匹配所有
type ClearCriteria struct {
	ID          *int
	Purpose     *ocpp16.ChargingProfilePurposeType
	StackLevel  *int
	ConnectorID *int
}

// Clear 删除所有满足条件的配置, 返回删除数量
func (s *ProfileSet) Clear(criteria ClearCriteria) int {
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if criteria.matches(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (c ClearCriteria) matches(e entry) bool {
	if c.ID != nil && e.profile.ChargingProfileId != *c.ID {
		return false
	}
	if c.Purpose != nil && e.profile.ChargingProfilePurpose != *c.Purpose {
		return false
	}
	if c.StackLevel != nil && e.profile.StackLevel != *c.StackLevel {
		return false
	}
	if c.ConnectorID != nil && e.connectorID != *c.ConnectorID {
		return false
	}
	return true
}

// Len 当前配置数量
func (s *ProfileSet) Len() int {
	return len(s.entries)
}

// Profiles 返回配置快照, 按(purpose, stackLevel)排序
func (s *ProfileSet) Profiles() []ocpp16.ChargingProfile {
	out := make([]ocpp16.ChargingProfile, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.profile)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChargingProfilePurpose != out[j].ChargingProfilePurpose {
			return out[i].ChargingProfilePurpose < out[j].ChargingProfilePurpose
		}
		return out[i].StackLevel < out[j].StackLevel
	})
	return out
}

// Query 一次限值解析的输入
type Query struct {
	Now time.Time
	// TransactionID 当前活动交易, 无交易为nil。TxProfile仅在其
	// transactionId与之匹配(或未填写)时参与解析。
	TransactionID *int
	// ChargingStartedAt Relative配置的时间基准
	ChargingStartedAt time.Time
	Charger           device.ChargerType
}

// EffectiveLimitW 解析当前生效的功率上限(瓦), 无配置生效时返回NoLimit。
// 各purpose层内取最高stackLevel(平局取最近插入), 最终限值为实际存在
// 层的最小值。
func (s *ProfileSet) EffectiveLimitW(q Query) float64 {
	limit := NoLimit

	for _, purpose := range []ocpp16.ChargingProfilePurposeType{
		ocpp16.ChargingProfilePurposeTxProfile,
		ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ocpp16.ChargingProfilePurposeChargePointMaxProfile,
	} {
		if w, ok := s.purposeLimitW(purpose, q); ok {
			limit = math.Min(limit, w)
		}
	}
	return limit
}

// purposeLimitW 单个purpose层的限值
func (s *ProfileSet) purposeLimitW(purpose ocpp16.ChargingProfilePurposeType, q Query) (float64, bool) {
	var winner *entry
	for i := range s.entries {
		e := &s.entries[i]
		if e.profile.ChargingProfilePurpose != purpose {
			continue
		}
		if !validAt(e.profile, q.Now) {
			continue
		}
		if purpose == ocpp16.ChargingProfilePurposeTxProfile {
			if q.TransactionID == nil {
				continue
			}
			if e.profile.TransactionId != nil && *e.profile.TransactionId != *q.TransactionID {
				continue
			}
		}
		if winner == nil ||
			e.profile.StackLevel > winner.profile.StackLevel ||
			(e.profile.StackLevel == winner.profile.StackLevel && e.seq > winner.seq) {
			winner = e
		}
	}
	if winner == nil {
		return 0, false
	}
	return profileLimitW(winner.profile, q)
}

// validAt 检查配置在now是否处于有效窗口, 边界包含
func validAt(p ocpp16.ChargingProfile, now time.Time) bool {
	if p.ValidFrom != nil && now.Before(p.ValidFrom.Time) {
		return false
	}
	if p.ValidTo != nil && now.After(p.ValidTo.Time) {
		return false
	}
	return true
}

// profileLimitW 取配置当前活动时段的限值并换算为瓦
func profileLimitW(p ocpp16.ChargingProfile, q Query) (float64, bool) {
	start, ok := scheduleStart(p, q)
	if !ok {
		return 0, false
	}

	elapsed := q.Now.Sub(start)
	if elapsed < 0 {
		return 0, false
	}
	if d := p.ChargingSchedule.Duration; d != nil && elapsed >= time.Duration(*d)*time.Second {
		return 0, false
	}

	// 活动时段: startPeriod ≤ elapsed 中最大的一个
	var active *ocpp16.ChargingSchedulePeriod
	elapsedSec := int(elapsed / time.Second)
	for i := range p.ChargingSchedule.ChargingSchedulePeriod {
		period := &p.ChargingSchedule.ChargingSchedulePeriod[i]
		if period.StartPeriod <= elapsedSec {
			active = period
		}
	}
	if active == nil {
		return 0, false
	}

	return periodLimitW(p.ChargingSchedule.ChargingRateUnit, *active, q.Charger), true
}

// scheduleStart 计算计划的时间基准: Absolute用startSchedule, Relative
// 用充电开始时刻, Recurring把startSchedule投影到now所在的日/周。
func scheduleStart(p ocpp16.ChargingProfile, q Query) (time.Time, bool) {
	switch p.ChargingProfileKind {
	case ocpp16.ChargingProfileKindRelative:
		if q.ChargingStartedAt.IsZero() {
			return time.Time{}, false
		}
		return q.ChargingStartedAt, true

	case ocpp16.ChargingProfileKindRecurring:
		if p.ChargingSchedule.StartSchedule == nil {
			return time.Time{}, false
		}
		base := p.ChargingSchedule.StartSchedule.Time
		interval := 24 * time.Hour
		if p.RecurrencyKind != nil && *p.RecurrencyKind == ocpp16.RecurrencyKindWeekly {
			interval = 7 * 24 * time.Hour
		}
		if q.Now.Before(base) {
			return time.Time{}, false
		}
		cycles := q.Now.Sub(base) / interval
		return base.Add(cycles * interval), true

	default: // Absolute
		if p.ChargingSchedule.StartSchedule == nil {
			// 无startSchedule的Absolute按下发即生效处理
			if q.ChargingStartedAt.IsZero() {
				return q.Now, true
			}
			return q.ChargingStartedAt, true
		}
		return p.ChargingSchedule.StartSchedule.Time, true
	}
}

// periodLimitW 时段限值换算为瓦。单位为A时按P=V·I·k换算, k取时段的
// numberPhases, 缺省回落到充电桩相数。
func periodLimitW(unit ocpp16.ChargingRateUnitType, period ocpp16.ChargingSchedulePeriod, charger device.ChargerType) float64 {
	if unit == ocpp16.ChargingRateUnitWatts {
		return period.Limit
	}

	k := charger.PhaseFactor()
	if charger.PowerType == device.PowerTypeAC && period.NumberPhases != nil {
		switch *period.NumberPhases {
		case 1:
			k = 1
		case 2:
			k = 2
		case 3:
			k = math.Sqrt(3)
		}
	}
	return charger.NominalVoltageV * period.Limit * k
}

// CompositeSchedule 合成[now, now+duration)内的有效限值序列, 用于
// GetCompositeSchedule响应。无任何配置生效的区间按充电桩额定功率封顶。
func (s *ProfileSet) CompositeSchedule(q Query, durationSec int, unit ocpp16.ChargingRateUnitType) ocpp16.ChargingSchedule {
	if unit == "" {
		unit = ocpp16.ChargingRateUnitWatts
	}

	offsets := s.changeOffsets(q, durationSec)

	var periods []ocpp16.ChargingSchedulePeriod
	var lastLimit float64 = math.NaN()
	for _, offset := range offsets {
		at := q.Now.Add(time.Duration(offset) * time.Second)
		limitW := s.EffectiveLimitW(Query{
			Now:               at,
			TransactionID:     q.TransactionID,
			ChargingStartedAt: q.ChargingStartedAt,
			Charger:           q.Charger,
		})
		if math.IsInf(limitW, 1) || limitW > q.Charger.MaxPowerW() {
			limitW = q.Charger.MaxPowerW()
		}

		limit := limitW
		if unit == ocpp16.ChargingRateUnitAmps {
			limit = limitW / (q.Charger.NominalVoltageV * q.Charger.PhaseFactor())
		}
		limit = math.Round(limit*10) / 10

		if limit == lastLimit {
			continue
		}
		lastLimit = limit
		periods = append(periods, ocpp16.ChargingSchedulePeriod{StartPeriod: offset, Limit: limit})
	}

	start := ocpp16.NewDateTime(q.Now)
	return ocpp16.ChargingSchedule{
		Duration:               &durationSec,
		StartSchedule:          &start,
		ChargingRateUnit:       unit,
		ChargingSchedulePeriod: periods,
	}
}

// changeOffsets 收集窗口内限值可能变化的时刻(秒偏移), 含0, 升序去重
func (s *ProfileSet) changeOffsets(q Query, durationSec int) []int {
	seen := map[int]bool{0: true}
	add := func(at time.Time) {
		offset := int(at.Sub(q.Now) / time.Second)
		if offset > 0 && offset < durationSec {
			seen[offset] = true
		}
	}

	for _, e := range s.entries {
		start, ok := scheduleStart(e.profile, q)
		if !ok {
			continue
		}
		for _, period := range e.profile.ChargingSchedule.ChargingSchedulePeriod {
			add(start.Add(time.Duration(period.StartPeriod) * time.Second))
		}
		if d := e.profile.ChargingSchedule.Duration; d != nil {
			add(start.Add(time.Duration(*d) * time.Second))
		}
		if e.profile.ValidFrom != nil {
			add(e.profile.ValidFrom.Time)
		}
		if e.profile.ValidTo != nil {
			add(e.profile.ValidTo.Time)
		}
	}

	offsets := make([]int, 0, len(seen))
	for offset := range seen {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)
	return offsets
}
