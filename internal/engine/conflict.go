package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/fsm"
	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/rackcache"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

// ConflictKind 是冲突的分类
type ConflictKind string

const (
	StoreDestinationOccupied ConflictKind = "store_destination_occupied"
	GrabSourceEmpty          ConflictKind = "grab_source_empty"
)

const (
	// PauseReasonPrefix 是需要人工处理的暂停原因前缀
	PauseReasonPrefix  = "manual_resolution_required: "
	fallbackGrabReason = "fallback_to_empty_plate_due_to_conflict"
	// dedupRetention 已处理冲突键的保留时间
	dedupRetention = 10 * time.Minute
)

// ConflictResolver 处理人工改动料架导致的分配冲突
type ConflictResolver struct {
	store     store.Store
	cache     *rackcache.Cache
	planner   *planner.Planner
	workflows *WorkflowEngine
	bus       *event.Bus
	stats     *Stats
	// strictHeight 与调度器一致: 缺少高度时升级为人工处理而不是按 0 重新规划
	strictHeight bool
	logger       *slog.Logger

	group    singleflight.Group
	mu       sync.Mutex
	handled  map[string]time.Time
	inflight atomic.Int64
	wg       sync.WaitGroup
	closed   bool

	unsubscribe func()
}

// NewConflictResolver 创建冲突解决器，需要调用 Listen 开始监听料架变化
func NewConflictResolver(s store.Store, cache *rackcache.Cache, p *planner.Planner, workflows *WorkflowEngine, bus *event.Bus, stats *Stats, strictHeight bool, logger *slog.Logger) *ConflictResolver {
	return &ConflictResolver{
		store:        s,
		cache:        cache,
		planner:      p,
		workflows:    workflows,
		bus:          bus,
		stats:        stats,
		strictHeight: strictHeight,
		logger:       logger.With("component", "conflict_resolver"),
		handled:      make(map[string]time.Time),
	}
}

// Listen 订阅料架变化事件
func (r *ConflictResolver) Listen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.unsubscribe = r.bus.Subscribe(event.RackChanged, r.HandleRackChange)
}

// Listening 判断是否在监听料架变化
func (r *ConflictResolver) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribe != nil
}

// InFlight 返回正在处理的冲突数量
func (r *ConflictResolver) InFlight() int { return int(r.inflight.Load()) }

// HandleRackChange 处理一条料架变化，编排器自身的写入被忽略
// 每个受影响的任务独立处理，一个任务的失败不影响其他任务
func (r *ConflictResolver) HandleRackChange(e event.Event) {
	if e.TriggeredBy == event.TriggeredByOrchestrator {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()
	r.stats.TotalEvents.Add(1)

	logger := r.logger.With("rack_id", e.RackID, "slot", e.Slot, "triggered_by", e.TriggeredBy)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	r.cache.Invalidate(e.RackID)
	active, err := r.store.ListActiveJobs(ctx)
	if err != nil {
		logger.Error("读取活跃任务失败", "error", err)
		return
	}

	var wg conc.WaitGroup
	for _, j := range active {
		if j.RackID != e.RackID {
			continue
		}
		kind := r.classify(j, e)
		if kind == "" {
			continue
		}
		j := j
		wg.Go(func() { r.resolveOnce(ctx, j, kind, e) })
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		logger.Error("冲突处理发生 panic", "panic", rec.String())
	}
}

// classify 判断料架变化是否影响任务的计划槽位
func (r *ConflictResolver) classify(j *types.Job, e event.Event) ConflictKind {
	phase, running := r.workflows.Phase(j.ID)
	switch {
	case j.StoreSlot == e.Slot && e.NewState == types.PlateWithPrint:
		// 成品入库后槽位不再是冲突
		if running && (phase == fsm.StateCompleted || phase == fsm.StateFailed) {
			return ""
		}
		return StoreDestinationOccupied
	case j.GrabSlot == e.Slot && e.NewState != types.PlateEmpty:
		// 已经完成取板的任务不受影响
		if running && phase != fsm.StateAssigned && phase != fsm.StatePrePrint {
			return ""
		}
		return GrabSourceEmpty
	}
	return ""
}

func conflictKey(jobID int64, ts time.Time) string {
	return fmt.Sprintf("%d_%d", jobID, ts.UnixMilli())
}

// resolveOnce 对同一 (任务, 事件) 只处理一次，并发的重复通知共享同一次处理
func (r *ConflictResolver) resolveOnce(ctx context.Context, j *types.Job, kind ConflictKind, e event.Event) {
	key := conflictKey(j.ID, e.Timestamp)
	_, _, shared := r.group.Do(key, func() (interface{}, error) {
		if !r.markHandled(key) {
			r.logger.Debug("冲突已处理，忽略重复通知", "key", key)
			return nil, nil
		}
		r.inflight.Add(1)
		defer r.inflight.Add(-1)
		r.resolve(ctx, j, kind, e)
		return nil, nil
	})
	if shared {
		r.logger.Debug("合并重复的冲突通知", "key", key)
	}
}

// markHandled 记录冲突键，已存在时返回 false
func (r *ConflictResolver) markHandled(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, t := range r.handled {
		if now.Sub(t) > dedupRetention {
			delete(r.handled, k)
		}
	}
	if _, ok := r.handled[key]; ok {
		return false
	}
	r.handled[key] = now
	return true
}

func (r *ConflictResolver) resolve(ctx context.Context, j *types.Job, kind ConflictKind, e event.Event) {
	logger := r.logger.With("job_id", j.ID, "rack_id", e.RackID, "slot", e.Slot, "kind", kind)
	r.stats.ConflictsDetected.Add(1)
	r.bus.Publish(event.Event{
		Type: event.ConflictDetected, JobID: j.ID, RackID: e.RackID, Slot: e.Slot,
		PrevState: e.PrevState, NewState: e.NewState, TriggeredBy: e.TriggeredBy,
		Severity: event.SeverityInfo, Message: string(kind),
	})
	logger.Warn("检测到槽位冲突", "prev", e.PrevState, "new", e.NewState)

	var err error
	switch kind {
	case StoreDestinationOccupied:
		err = r.reassignStore(ctx, j, e)
	case GrabSourceEmpty:
		err = r.reassignGrab(ctx, j, e)
	}
	if err != nil {
		r.escalate(ctx, j, e, err.Error())
	}
}

// plateLoaded 判断打印机是否已经装好打印板 (取板已完成或无需取板)
func (r *ConflictResolver) plateLoaded(j *types.Job) bool {
	if j.GrabSlot == 0 {
		return true
	}
	phase, ok := r.workflows.Phase(j.ID)
	return ok && phase != fsm.StateAssigned && phase != fsm.StatePrePrint
}

// reassignStore 在当前料架状态上为任务重新规划存放槽位
func (r *ConflictResolver) reassignStore(ctx context.Context, j *types.Job, e event.Event) error {
	height, err := jobHeight(j, r.strictHeight, r.logger)
	if err != nil {
		return err
	}
	state, err := r.cache.Refresh(ctx, j.RackID)
	if err != nil {
		return fmt.Errorf("读取料架状态失败: %w", err)
	}
	state = state.WithoutReservations(j.ID)

	loaded := r.plateLoaded(j)
	if loaded {
		state = state.WithoutEmptyPlates(r.planner.Options().StorageStartSlot)
	}
	plan := r.planner.PlanStorage(height, state, nil)
	if !plan.CanFit {
		return fmt.Errorf("store slot %d occupied and no alternative: %s", j.StoreSlot, plan.Reason)
	}

	grab := j.GrabSlot
	switch {
	case loaded:
	case !plan.RequiresGrab:
		grab = plan.Slot
	case j.GrabSlot == j.StoreSlot:
		// 原来从存放槽位取空板，需要改为从供板槽位取
		if plan.GrabSlot == 0 {
			return fmt.Errorf("store slot %d occupied and no supply plate for slot %d", j.StoreSlot, plan.Slot)
		}
		grab = plan.GrabSlot
	}

	a := types.Assignment{
		PrinterID:   j.PrinterID,
		RackID:      j.RackID,
		StoreSlot:   plan.Slot,
		GrabSlot:    grab,
		ClearanceMm: plan.ClearanceMm,
		Reason:      fmt.Sprintf("reassigned_due_to_manual_conflict_%d", e.Timestamp.UnixMilli()),
	}
	if err := r.store.SaveAssignment(ctx, j.ID, a); err != nil {
		return fmt.Errorf("保存新的分配失败: %w", err)
	}
	r.cache.Invalidate(j.RackID)
	r.workflows.Reassign(j.ID, a.StoreSlot, a.GrabSlot)
	r.stats.JobsReassigned.Add(1)
	r.resolved(j, e, a, fmt.Sprintf("store slot %d -> %d", j.StoreSlot, a.StoreSlot))
	return nil
}

// reassignGrab 为任务重新选择取板槽位，找不到时回退为扫描供板槽位
func (r *ConflictResolver) reassignGrab(ctx context.Context, j *types.Job, e event.Event) error {
	state, err := r.cache.Refresh(ctx, j.RackID)
	if err != nil {
		return fmt.Errorf("读取料架状态失败: %w", err)
	}
	reason := fmt.Sprintf("reassigned_due_to_manual_conflict_%d", e.Timestamp.UnixMilli())
	g := r.planner.FindOptimalGrabSlot(state.WithoutReservations(j.ID), e.Slot, e.Slot)
	if !g.Available {
		state, err = r.cache.Refresh(ctx, j.RackID)
		if err != nil {
			return fmt.Errorf("读取料架状态失败: %w", err)
		}
		g = r.planner.FindGrabSlot(state.WithoutReservations(j.ID))
		reason = fallbackGrabReason
	}
	if !g.Available {
		return fmt.Errorf("grab slot %d emptied and no empty plate available: %s", e.Slot, g.Reason)
	}

	a := types.Assignment{
		PrinterID:   j.PrinterID,
		RackID:      j.RackID,
		StoreSlot:   j.StoreSlot,
		GrabSlot:    g.Slot,
		ClearanceMm: j.ClearanceMm,
		Reason:      reason,
	}
	if err := r.store.SaveAssignment(ctx, j.ID, a); err != nil {
		return fmt.Errorf("保存新的分配失败: %w", err)
	}
	r.cache.Invalidate(j.RackID)
	r.workflows.Reassign(j.ID, a.StoreSlot, a.GrabSlot)
	r.stats.JobsReassigned.Add(1)
	r.resolved(j, e, a, fmt.Sprintf("grab slot %d -> %d", j.GrabSlot, a.GrabSlot))
	return nil
}

func (r *ConflictResolver) resolved(j *types.Job, e event.Event, a types.Assignment, detail string) {
	r.stats.ConflictsResolved.Add(1)
	r.bus.Publish(event.Event{
		Type: event.ConflictResolved, JobID: j.ID, RackID: j.RackID, Slot: a.StoreSlot,
		Severity: event.SeverityInfo, Message: a.Reason + ": " + detail,
	})
	r.logger.Info("冲突已解决", "job_id", j.ID, "rack_id", j.RackID, "detail", detail, "reason", a.Reason)
}

// escalate 暂停任务并发出需要人工处理的高优先级通知，不自动重试
func (r *ConflictResolver) escalate(ctx context.Context, j *types.Job, e event.Event, reason string) {
	msg := PauseReasonPrefix + reason
	if err := r.store.UpdateJobStatus(ctx, j.ID, types.JobPaused, types.OrchPaused, msg); err != nil {
		r.logger.Error("暂停任务失败", "job_id", j.ID, "error", err)
		r.stats.ConflictsFailed.Add(1)
		return
	}
	r.workflows.Abandon(j.ID)
	r.cache.Invalidate(j.RackID)
	r.stats.ConflictsFailed.Add(1)
	r.stats.JobsPaused.Add(1)
	r.bus.Publish(event.Event{
		Type: event.JobPaused, JobID: j.ID, RackID: j.RackID, PrinterID: j.PrinterID, Slot: e.Slot,
		Severity: event.SeverityHigh, Message: msg,
	})
	r.logger.Error("冲突无法自动解决，任务已暂停", "job_id", j.ID, "reason", msg)
}

// Shutdown 停止监听并等待进行中的冲突处理结束
func (r *ConflictResolver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("等待冲突处理超时: %w", ctx.Err())
	}

	r.mu.Lock()
	r.handled = make(map[string]time.Time)
	r.mu.Unlock()
	return nil
}
