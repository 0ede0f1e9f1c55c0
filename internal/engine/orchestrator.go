// Package engine 包含编排器的运行时: 调度循环、任务流程和冲突解决。
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/profile"
	"print-farm-orchestrator/internal/rackcache"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

// 健康检查阈值
const (
	maxReasonableCache     = 100
	maxReasonableConflicts = 10
	maxReasonableWorkflows = 50
)

// ErrInvalidState 表示任务当前状态不允许该操作
var ErrInvalidState = errors.New("job state does not allow this operation")

// Deps 是编排器依赖的外部协作者
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Printers device.PrinterControl
	Ejectors device.EjectorControl
	Profiles *profile.Resolver
	Bus      *event.Bus
	Logger   *slog.Logger
}

// Orchestrator 是编排器的服务上下文，启动时构造一次并显式初始化和关闭
type Orchestrator struct {
	cfg    *config.Config
	store  store.Store
	bus    *event.Bus
	logger *slog.Logger

	Cache     *rackcache.Cache
	Planner   *planner.Planner
	Stats     *Stats
	Workflows *WorkflowEngine
	Scheduler *Scheduler
	Resolver  *ConflictResolver

	initialized  atomic.Bool
	racksLoaded  atomic.Bool
	mu           sync.Mutex
	cancelLoop   context.CancelFunc
	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// New 组装所有组件，不访问存储和设备
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Printers == nil || d.Ejectors == nil || d.Bus == nil {
		return nil, errors.New("store, printers, ejectors and bus are required")
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profiles := d.Profiles
	if profiles == nil {
		var err error
		if profiles, err = profile.NewResolver(nil); err != nil {
			return nil, err
		}
	}

	p := NewPlanner(cfg.Planner)
	cache := rackcache.New(d.Store, cfg.Cache.TTL, logger)
	stats := &Stats{}
	wf := NewWorkflowEngine(d.Store, cache, p, d.Printers, d.Ejectors, profiles, d.Bus, stats, cfg.Workflow, cfg.Ejector, logger)

	return &Orchestrator{
		cfg:       cfg,
		store:     d.Store,
		bus:       d.Bus,
		logger:    logger.With("component", "orchestrator"),
		Cache:     cache,
		Planner:   p,
		Stats:     stats,
		Workflows: wf,
		Scheduler: NewScheduler(d.Store, cache, p, d.Printers, wf, d.Bus, stats, cfg.Scheduler, cfg.Planner.StrictHeight, logger),
		Resolver:  NewConflictResolver(d.Store, cache, p, wf, d.Bus, stats, cfg.Planner.StrictHeight, logger),
	}, nil
}

// NewPlanner 按配置创建槽位规划器
func NewPlanner(c config.PlannerConfig) *planner.Planner {
	return planner.New(planner.Options{
		SafetyMarginMm:    c.SafetyMarginMm,
		StorageStartSlot:  c.StorageStartSlot,
		SupplySlots:       c.SupplySlots,
		TopSlotHeadroomMm: c.TopSlotHeadroomMm,
		LookaheadJobs:     c.LookaheadJobs,
	})
}

// Initialize 检查存储可用、预热料架缓存并开始监听料架变化
// 存储错误会阻止启动，单个料架加载失败只影响 slot_managers_loaded 检查
func (o *Orchestrator) Initialize(ctx context.Context) error {
	racks, err := o.store.ListRacks(ctx)
	if err != nil {
		return fmt.Errorf("读取料架失败: %w", err)
	}
	if _, err := o.store.ListPrinters(ctx); err != nil {
		return fmt.Errorf("读取打印机失败: %w", err)
	}
	if _, err := o.store.ListEjectors(ctx); err != nil {
		return fmt.Errorf("读取取板机失败: %w", err)
	}

	var loadErr error
	for _, r := range racks {
		if _, err := o.Cache.Refresh(ctx, r.ID); err != nil {
			loadErr = multierr.Append(loadErr, fmt.Errorf("料架 %d: %w", r.ID, err))
		}
	}
	if loadErr != nil {
		o.logger.Warn("部分料架加载失败", "error", loadErr)
	}
	o.racksLoaded.Store(loadErr == nil)

	o.Resolver.Listen()
	o.initialized.Store(true)
	o.logger.Info("编排器初始化完成", "racks", len(racks), "processing_enabled", o.Scheduler.Enabled())
	return nil
}

// Start 在后台启动调度循环
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancelLoop = cancel
	o.loopDone = make(chan struct{})
	go func() {
		defer close(o.loopDone)
		o.Scheduler.Run(loopCtx)
	}()
}

// Shutdown 停止调度、取消打印监控、等待冲突处理，然后清空缓存
// 未完成的流程不会在重启后恢复
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		o.logger.Info("编排器开始关闭")
		o.mu.Lock()
		if o.cancelLoop != nil {
			o.cancelLoop()
			<-o.loopDone
		}
		o.mu.Unlock()

		timeout := o.cfg.Shutdown.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err = multierr.Combine(
			o.Workflows.Shutdown(waitCtx),
			o.Resolver.Shutdown(waitCtx),
		)
		o.bus.Drain()
		o.Cache.Clear()
		o.initialized.Store(false)
		o.logger.Info("编排器已关闭", "error", err)
	})
	return err
}

// SetProcessing 开启或暂停自动调度
func (o *Orchestrator) SetProcessing(on bool) { o.Scheduler.SetEnabled(on) }

// Trigger 立即执行一轮调度
func (o *Orchestrator) Trigger(ctx context.Context) (int, error) {
	return o.Scheduler.Tick(ctx)
}

// EditSlot 人工修改槽位并发布料架变化，冲突解决器据此检查活跃任务
func (o *Orchestrator) EditSlot(ctx context.Context, rackID int64, slot int, plate types.PlateState, jobID int64, trigger event.Trigger) (types.Slot, error) {
	prev, err := o.store.UpdateSlot(ctx, rackID, slot, plate, jobID)
	if err != nil {
		return types.Slot{}, err
	}
	o.Cache.Invalidate(rackID)
	o.bus.Publish(event.Event{
		Type:        event.RackChanged,
		RackID:      rackID,
		Slot:        slot,
		JobID:       jobID,
		PrevState:   prev.Plate,
		NewState:    plate,
		TriggeredBy: trigger,
	})
	return prev, nil
}

// Requeue 让人工处理过的暂停或失败任务清除分配并重新排队
// 其他状态的任务要么仍持有打印机和取板机，要么成品已经入库，一律拒绝
func (o *Orchestrator) Requeue(ctx context.Context, jobID int64) error {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != types.JobPaused && j.Status != types.JobFailed {
		return fmt.Errorf("任务 %d 状态为 %s，只能重新排队 PAUSED 或 FAILED 任务: %w", jobID, j.Status, ErrInvalidState)
	}
	o.Workflows.Abandon(jobID)
	if err := o.store.RequeueJob(ctx, jobID); err != nil {
		return err
	}
	if j.RackID != 0 {
		o.Cache.Invalidate(j.RackID)
	}
	o.logger.Info("任务已重新排队", "job_id", jobID, "previous_status", j.Status)
	return nil
}

// AssignManual 按操作员指定的打印机和槽位分配任务，校验失败返回 *AssignmentError
func (o *Orchestrator) AssignManual(ctx context.Context, jobID int64, req ManualAssignment) (*types.Job, error) {
	return o.Scheduler.AssignManual(ctx, jobID, req)
}

// RackState 返回料架快照和使用情况
func (o *Orchestrator) RackState(ctx context.Context, rackID int64) (planner.RackState, planner.Utilization, error) {
	st, err := o.Cache.GetState(ctx, rackID)
	if err != nil {
		return planner.RackState{}, planner.Utilization{}, err
	}
	return st, planner.Utilize(st), nil
}

// Snapshot 返回统计和运行时状态
func (o *Orchestrator) Snapshot() StatsSnapshot {
	s := o.Stats.Snapshot()
	s.ActiveWorkflows = o.Workflows.Count()
	s.CacheSize = o.Cache.Size()
	s.ConflictsInFlight = o.Resolver.InFlight()
	s.ProcessingEnabled = o.Scheduler.Enabled()
	return s
}

// Health 是健康检查结果
type Health struct {
	Healthy bool            `json:"healthy"`
	Checks  map[string]bool `json:"checks"`
	Stats   StatsSnapshot   `json:"stats"`
}

// Health 汇总各项检查，全部通过时 Healthy 为 true
func (o *Orchestrator) Health() Health {
	snap := o.Snapshot()
	checks := map[string]bool{
		"initialized":               o.initialized.Load(),
		"event_listener_active":     o.Resolver.Listening() && o.bus.SubscriberCount(event.RackChanged) > 0,
		"cache_size_reasonable":     snap.CacheSize < maxReasonableCache,
		"no_stuck_conflicts":        snap.ConflictsInFlight < maxReasonableConflicts,
		"job_processing_functional": o.Scheduler.Running(),
		"slot_managers_loaded":      o.racksLoaded.Load(),
		"no_stuck_workflows":        snap.ActiveWorkflows < maxReasonableWorkflows,
	}
	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}
	return Health{Healthy: healthy, Checks: checks, Stats: snap}
}
