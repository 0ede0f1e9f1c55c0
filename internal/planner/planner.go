// Package planner 实现按高度感知的料架槽位分配算法。
//
// 规划器是纯函数: 相同输入总是得到相同输出，不访问存储，也不返回错误。
// 无法放置时通过 Plan.CanFit=false 和可读的 Reason 说明原因。
package planner

import (
	"fmt"
	"sort"

	"print-farm-orchestrator/internal/types"
)

// SlotState 是规划器看到的单个槽位视图
type SlotState struct {
	Plate         types.PlateState
	JobID         int64   // 存放成品的任务
	PrintHeightMm float64 // 已存放成品的高度，用于计算对上方槽位的侵占
	ReservedBy    int64   // 被活跃任务预留 (存放或取板)，0 表示未预留
}

// Usable 判断槽位是否未被占用且未被预留
func (s SlotState) Usable() bool {
	return s.ReservedBy == 0 && s.JobID == 0 && s.Plate != types.PlateWithPrint && s.Plate != ""
}

// RackState 是某个料架在某一时刻的完整槽位快照
type RackState struct {
	RackID     int64
	ShelfCount int
	SpacingMm  float64
	Slots      map[int]SlotState // 槽位号 -> 状态
}

// Slot 返回指定槽位的状态，缺失的槽位视为状态未知
func (r RackState) Slot(n int) (SlotState, bool) {
	s, ok := r.Slots[n]
	return s, ok
}

// Clone 深拷贝快照，便于在不修改原始状态的前提下做模拟
func (r RackState) Clone() RackState {
	c := r
	c.Slots = make(map[int]SlotState, len(r.Slots))
	for k, v := range r.Slots {
		c.Slots[k] = v
	}
	return c
}

// WithoutReservations 返回去掉某个任务自身预留后的快照
func (r RackState) WithoutReservations(jobID int64) RackState {
	c := r.Clone()
	for n, s := range c.Slots {
		if s.ReservedBy == jobID {
			s.ReservedBy = 0
			c.Slots[n] = s
		}
	}
	return c
}

// maskedSlot 标记被临时排除的槽位
const maskedSlot = -1

// WithoutEmptyPlates 排除 fromSlot 及以上的空板槽位
// 打印机已装板时，存放槽位上的空板无法先被取走
func (r RackState) WithoutEmptyPlates(fromSlot int) RackState {
	c := r.Clone()
	for n, s := range c.Slots {
		if n >= fromSlot && s.Plate == types.PlateEmpty && s.ReservedBy == 0 {
			s.ReservedBy = maskedSlot
			c.Slots[n] = s
		}
	}
	return c
}

// Options 规划参数
type Options struct {
	SafetyMarginMm    float64 // 高度之外的固定安全余量
	StorageStartSlot  int     // 第一个可存放成品的槽位
	SupplySlots       []int   // 供板槽位 (取空板的来源)
	TopSlotHeadroomMm float64 // 顶层槽位上方没有隔板，额外提供的净空
	LookaheadJobs     int     // 平局时参考的后续任务数量
}

// DefaultOptions 返回与料架出厂约定一致的默认参数
func DefaultOptions() Options {
	return Options{
		SafetyMarginMm:   10,
		StorageStartSlot: 3,
		SupplySlots:      []int{1, 2},
		LookaheadJobs:    3,
	}
}

// Plan 是一次存放规划的结果
type Plan struct {
	CanFit       bool    `json:"can_fit"`
	Slot         int     `json:"slot,omitempty"`
	ClearanceMm  float64 `json:"clearance_mm,omitempty"`
	RequiresGrab bool    `json:"requires_grab"`
	GrabSlot     int     `json:"grab_slot,omitempty"` // 0 表示没有可用的供板槽位
	Reason       string  `json:"reason"`
}

// GrabResult 是取板槽位的选择结果
type GrabResult struct {
	Available bool   `json:"available"`
	Slot      int    `json:"slot,omitempty"`
	Reason    string `json:"reason"`
}

// Planner 槽位规划器
type Planner struct {
	opts Options
}

// New 创建规划器，零值参数会被默认值补齐
func New(opts Options) *Planner {
	def := DefaultOptions()
	if opts.StorageStartSlot <= 0 {
		opts.StorageStartSlot = def.StorageStartSlot
	}
	if len(opts.SupplySlots) == 0 {
		opts.SupplySlots = def.SupplySlots
	}
	if opts.SafetyMarginMm < 0 {
		opts.SafetyMarginMm = 0
	}
	if opts.LookaheadJobs < 0 {
		opts.LookaheadJobs = 0
	}
	supply := append([]int(nil), opts.SupplySlots...)
	sort.Ints(supply)
	opts.SupplySlots = supply
	return &Planner{opts: opts}
}

// Options 返回当前参数
func (p *Planner) Options() Options { return p.opts }

type candidate struct {
	slot      int
	clearance float64
	plate     types.PlateState
}

// Clearance 计算槽位的物理净空: 层间距减去下方成品的侵占高度
func (p *Planner) Clearance(rack RackState, slot int) float64 {
	base := rack.SpacingMm
	if slot == rack.ShelfCount {
		base += p.opts.TopSlotHeadroomMm
	}
	intrusion := 0.0
	for below := 1; below < slot; below++ {
		s, ok := rack.Slots[below]
		if !ok || s.Plate != types.PlateWithPrint || s.PrintHeightMm <= 0 {
			continue
		}
		over := s.PrintHeightMm + p.opts.SafetyMarginMm - float64(slot-below)*rack.SpacingMm
		if over > intrusion {
			intrusion = over
		}
	}
	c := base - intrusion
	if c < 0 {
		return 0
	}
	return c
}

// candidates 按 (净空升序, 槽位号升序) 返回所有可用的存放槽位
func (p *Planner) candidates(rack RackState) []candidate {
	var out []candidate
	for slot := p.opts.StorageStartSlot; slot <= rack.ShelfCount; slot++ {
		s, ok := rack.Slots[slot]
		if !ok || !s.Usable() {
			continue
		}
		out = append(out, candidate{slot: slot, clearance: p.Clearance(rack, slot), plate: s.Plate})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].clearance != out[j].clearance {
			return out[i].clearance < out[j].clearance
		}
		return out[i].slot < out[j].slot
	})
	return out
}

// PlanStorage 为指定高度的打印件选择存放槽位
//
// 最紧适配: 在所有满足 净空 >= 高度+安全余量 的槽位中选净空最小者，平局取槽位号最小者。
// 同等或更紧的空板槽位优先于无板槽位 (省去一次供板)。upcoming 为后续任务高度，
// 仅在净空完全相同时用于保留能容纳最高后续任务的空间。
func (p *Planner) PlanStorage(heightMm float64, rack RackState, upcoming []float64) Plan {
	if rack.ShelfCount <= 0 || rack.SpacingMm <= 0 {
		return Plan{Reason: fmt.Sprintf("料架 %d 配置无效", rack.RackID)}
	}
	required := heightMm + p.opts.SafetyMarginMm

	all := p.candidates(rack)
	var fits []candidate
	maxAvailable := 0.0
	for _, c := range all {
		if c.clearance > maxAvailable {
			maxAvailable = c.clearance
		}
		if c.clearance >= required {
			fits = append(fits, c)
		}
	}
	if len(fits) == 0 {
		return Plan{
			Reason: fmt.Sprintf("no slot clears %.0fmm print (needs %.0fmm, max available %.0fmm)", heightMm, required, maxAvailable),
		}
	}

	var bestNone, bestPlate *candidate
	for i := range fits {
		switch fits[i].plate {
		case types.PlateNone:
			if bestNone == nil {
				bestNone = &fits[i]
			}
		case types.PlateEmpty:
			if bestPlate == nil {
				bestPlate = &fits[i]
			}
		}
	}
	chosen := bestNone
	strategy := "tightest_fit"
	if bestPlate != nil && (bestNone == nil || bestPlate.clearance <= bestNone.clearance) {
		chosen = bestPlate
		strategy = "empty_plate_fit"
	}

	var ties []candidate
	for _, c := range fits {
		if c.clearance == chosen.clearance && c.plate == chosen.plate {
			ties = append(ties, c)
		}
	}
	if pick, ok := p.lookahead(heightMm, rack, ties, upcoming); ok && pick.slot != chosen.slot {
		chosen = &pick
		strategy += "_lookahead"
	}

	plan := Plan{
		CanFit:      true,
		Slot:        chosen.slot,
		ClearanceMm: chosen.clearance,
		Reason:      fmt.Sprintf("slot_%d_%.0fmm_clearance_%s", chosen.slot, chosen.clearance, strategy),
	}
	if chosen.plate == types.PlateNone {
		plan.RequiresGrab = true
		if g := p.FindGrabSlot(rack); g.Available {
			plan.GrabSlot = g.Slot
			plan.Reason += fmt.Sprintf("_grab_%d", g.Slot)
		} else {
			plan.Reason += "_no_supply_plate"
		}
	}
	return plan
}

// lookahead 在平局槽位中挑选一个放置后仍能容纳最高后续任务的槽位
// 最低槽位本身满足时保持不变
func (p *Planner) lookahead(heightMm float64, rack RackState, ties []candidate, upcoming []float64) (candidate, bool) {
	if len(ties) < 2 || len(upcoming) == 0 || p.opts.LookaheadJobs == 0 {
		return candidate{}, false
	}
	n := p.opts.LookaheadJobs
	if n > len(upcoming) {
		n = len(upcoming)
	}
	tallest := 0.0
	for _, h := range upcoming[:n] {
		if h > tallest {
			tallest = h
		}
	}
	if tallest <= 0 {
		return candidate{}, false
	}
	need := tallest + p.opts.SafetyMarginMm
	for _, t := range ties {
		if p.maxRemaining(heightMm, rack, t.slot) >= need {
			return t, true
		}
	}
	return candidate{}, false
}

// maxRemaining 模拟把打印件放入 slot 后，其余可用槽位的最大净空
func (p *Planner) maxRemaining(heightMm float64, rack RackState, slot int) float64 {
	sim := rack.Clone()
	sim.Slots[slot] = SlotState{Plate: types.PlateWithPrint, JobID: -1, PrintHeightMm: heightMm}
	best := 0.0
	for _, c := range p.candidates(sim) {
		if c.clearance > best {
			best = c.clearance
		}
	}
	return best
}

// FindGrabSlot 在供板槽位中选择槽位号最小且有空板的一个
func (p *Planner) FindGrabSlot(rack RackState) GrabResult {
	for _, slot := range p.opts.SupplySlots {
		s, ok := rack.Slots[slot]
		if ok && s.Plate == types.PlateEmpty && s.Usable() {
			return GrabResult{Available: true, Slot: slot, Reason: fmt.Sprintf("lowest_supply_slot_%d", slot)}
		}
	}
	return GrabResult{Reason: "no empty plate in supply slots"}
}

// FindOptimalGrabSlot 与 FindGrabSlot 类似，但优先靠近 nearSlot 的供板槽位，并跳过 exclude
func (p *Planner) FindOptimalGrabSlot(rack RackState, nearSlot, exclude int) GrabResult {
	var options []int
	for _, slot := range p.opts.SupplySlots {
		if slot == exclude {
			continue
		}
		s, ok := rack.Slots[slot]
		if ok && s.Plate == types.PlateEmpty && s.Usable() {
			options = append(options, slot)
		}
	}
	if len(options) == 0 {
		return GrabResult{Reason: "no empty plate in supply slots"}
	}
	if nearSlot > 0 {
		sort.SliceStable(options, func(i, j int) bool {
			return abs(options[i]-nearSlot) < abs(options[j]-nearSlot)
		})
		return GrabResult{Available: true, Slot: options[0], Reason: fmt.Sprintf("grab_adjacent_to_slot_%d", nearSlot)}
	}
	return GrabResult{Available: true, Slot: options[0], Reason: fmt.Sprintf("lowest_supply_slot_%d", options[0])}
}

// Utilization 统计料架使用情况
type Utilization struct {
	TotalSlots  int `json:"total_slots"`
	WithPrint   int `json:"with_print"`
	EmptyPlates int `json:"empty_plates"`
	NoPlate     int `json:"no_plate"`
	Reserved    int `json:"reserved"`
}

// Utilize 汇总快照中的槽位分布
func Utilize(rack RackState) Utilization {
	u := Utilization{TotalSlots: rack.ShelfCount}
	for n := 1; n <= rack.ShelfCount; n++ {
		s := rack.Slots[n]
		switch s.Plate {
		case types.PlateWithPrint:
			u.WithPrint++
		case types.PlateEmpty:
			u.EmptyPlates++
		case types.PlateNone:
			u.NoPlate++
		}
		if s.ReservedBy != 0 {
			u.Reserved++
		}
	}
	return u
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
