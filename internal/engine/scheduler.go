package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/metrics"
	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/rackcache"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

// Scheduler 负责任务的调度和分发
// 每轮从存储拉取排队任务，规划料架槽位，选择空闲打印机，然后交给 WorkflowEngine
type Scheduler struct {
	store        store.Store
	cache        *rackcache.Cache
	planner      *planner.Planner
	printers     device.PrinterControl
	workflows    *WorkflowEngine
	bus          *event.Bus
	stats        *Stats
	cfg          config.SchedulerConfig
	strictHeight bool
	logger       *slog.Logger

	enabled atomic.Bool
	running atomic.Bool
	// group 合并并发的调度轮次 (定时轮询与手动触发)
	group singleflight.Group
	// mu 串行化调度轮次和人工分配，两者都会预留槽位和打印机
	mu sync.Mutex
}

// NewScheduler 创建一个新的 Scheduler 实例
func NewScheduler(
	s store.Store,
	cache *rackcache.Cache,
	p *planner.Planner,
	printers device.PrinterControl,
	workflows *WorkflowEngine,
	bus *event.Bus,
	stats *Stats,
	cfg config.SchedulerConfig,
	strictHeight bool,
	logger *slog.Logger,
) *Scheduler {
	sch := &Scheduler{
		store:        s,
		cache:        cache,
		planner:      p,
		printers:     printers,
		workflows:    workflows,
		bus:          bus,
		stats:        stats,
		cfg:          cfg,
		strictHeight: strictHeight,
		logger:       logger.With("component", "scheduler"),
	}
	sch.enabled.Store(cfg.Enabled)
	return sch
}

// SetEnabled 开启或暂停自动调度，暂停时手动触发仍然有效
func (s *Scheduler) SetEnabled(on bool) {
	s.enabled.Store(on)
	s.logger.Info("自动调度开关", "enabled", on)
}

func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Running 判断调度循环是否在运行
func (s *Scheduler) Running() bool { return s.running.Load() }

// Run 启动调度循环，ctx 取消后立即停止
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("调度循环启动", "interval", s.cfg.TickInterval.String(), "batch_limit", s.cfg.BatchLimit)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度循环退出")
			return
		case <-ticker.C:
			if !s.enabled.Load() {
				continue
			}
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("调度失败", "error", err)
			}
		}
	}
}

// Tick 执行一轮调度，返回成功分配的任务数
// 同一时刻只有一轮在执行，并发调用共享正在进行的那一轮的结果
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	v, err, shared := s.group.Do("tick", func() (interface{}, error) {
		return s.tick(ctx)
	})
	if shared {
		s.logger.Debug("合并并发的调度轮次")
	}
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// tick 单个任务的失败只记录日志，不影响同一轮的其他任务
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	jobs, err := s.store.ListQueuedUnassigned(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("读取排队任务失败: %w", err)
	}
	metrics.QueuedJobs.Set(float64(len(jobs)))
	if len(jobs) == 0 {
		return 0, nil
	}
	racks, err := s.store.ListRacks(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取料架失败: %w", err)
	}

	assigned := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.schedule(ctx, j, racks)
		if err != nil {
			s.stats.SchedulingErrors.Add(1)
			s.logger.Error("任务调度失败", "job_id", j.ID, "error", err)
			continue
		}
		if ok {
			assigned++
		}
	}
	return assigned, nil
}

// schedule 重新读取任务，只为仍在排队且未分配的任务规划
// 列表可能早于上一轮的分配，分配一经写入且流程存在就不可再改
func (s *Scheduler) schedule(ctx context.Context, j *types.Job, racks []types.Rack) (bool, error) {
	if _, running := s.workflows.Phase(j.ID); running {
		s.logger.Debug("任务已有流程，跳过", "job_id", j.ID)
		return false, nil
	}
	cur, err := s.store.GetJob(ctx, j.ID)
	if err != nil {
		return false, fmt.Errorf("读取任务失败: %w", err)
	}
	if cur.Status != types.JobQueued || cur.HasRack() || !cur.AutoStart {
		s.logger.Debug("任务已不在待调度状态，跳过", "job_id", j.ID, "status", cur.Status, "rack_id", cur.RackID)
		return false, nil
	}
	return s.assign(ctx, cur, racks)
}

// assign 为任务选择料架槽位和打印机并启动流程，返回 false 表示延后到下一轮
func (s *Scheduler) assign(ctx context.Context, j *types.Job, racks []types.Rack) (bool, error) {
	logger := s.logger.With("job_id", j.ID)
	s.stats.JobsProcessed.Add(1)

	height, err := jobHeight(j, s.strictHeight, logger)
	if err != nil {
		return false, err
	}
	upcoming := s.upcomingHeights(ctx, j.ID)

	plan, rackID, ok := s.plan(ctx, height, upcoming, racks, false)
	if !ok {
		logger.Info("没有可容纳的槽位，下一轮重试", "height_mm", height)
		return false, nil
	}

	printer, ok := s.pickPrinter(ctx)
	if !ok {
		logger.Info("没有空闲打印机，任务延后")
		return false, nil
	}

	grab := plan.GrabSlot
	switch {
	case printer.HasPlate:
		// 已预装打印板: 只能存入无板槽位
		if !plan.RequiresGrab {
			if plan, rackID, ok = s.plan(ctx, height, upcoming, racks, true); !ok {
				logger.Info("打印机已装板但没有无板槽位，下一轮重试", "printer_id", printer.ID)
				return false, nil
			}
		}
		grab = 0
	case !plan.RequiresGrab:
		// 存放槽位上的空板先被装到打印机上
		grab = plan.Slot
	case grab == 0:
		logger.Info("供板槽位没有空板，任务延后", "rack_id", rackID)
		return false, nil
	}

	a := types.Assignment{
		PrinterID:   printer.ID,
		RackID:      rackID,
		StoreSlot:   plan.Slot,
		GrabSlot:    grab,
		ClearanceMm: plan.ClearanceMm,
		Reason:      plan.Reason,
	}
	// 分配已写入但流程启动失败时仍计为已分配
	job, err := s.commit(ctx, j, a)
	return job != nil, err
}

// commit 写入分配、发布 JobAssigned 并启动流程
func (s *Scheduler) commit(ctx context.Context, j *types.Job, a types.Assignment) (*types.Job, error) {
	if err := s.store.SaveAssignment(ctx, j.ID, a); err != nil {
		return nil, fmt.Errorf("保存分配失败: %w", err)
	}
	if err := s.store.UpdateJobStatus(ctx, j.ID, types.JobQueued, types.OrchAssigned, ""); err != nil {
		return nil, fmt.Errorf("更新任务状态失败: %w", err)
	}
	s.cache.Invalidate(a.RackID)
	s.stats.JobsAssignedSlots.Add(1)

	s.logger.Info("任务已分配", "job_id", j.ID, "printer_id", a.PrinterID, "rack_id", a.RackID, "store_slot", a.StoreSlot, "grab_slot", a.GrabSlot, "reason", a.Reason)
	s.bus.Publish(event.Event{Type: event.JobAssigned, JobID: j.ID, PrinterID: a.PrinterID, RackID: a.RackID, Slot: a.StoreSlot, Message: a.Reason})

	job := *j
	job.PrinterID, job.RackID, job.StoreSlot, job.GrabSlot = a.PrinterID, a.RackID, a.StoreSlot, a.GrabSlot
	job.ClearanceMm, job.Reason = a.ClearanceMm, a.Reason
	job.OrchStatus = types.OrchAssigned
	if err := s.workflows.Start(&job); err != nil {
		return &job, fmt.Errorf("启动流程失败: %w", err)
	}
	return &job, nil
}

// jobHeight 读取任务的打印高度
// 缺少高度元数据时，strict 模式返回错误，否则记录警告并按 0 处理
func jobHeight(j *types.Job, strict bool, logger *slog.Logger) (float64, error) {
	height, err := types.PrintHeight(j.Item)
	if err == nil {
		return height, nil
	}
	if strict {
		return 0, fmt.Errorf("任务 %d 缺少打印高度: %w", j.ID, err)
	}
	logger.Warn("无法获取打印高度，按 0 处理", "job_id", j.ID, "error", err)
	return 0, nil
}

// plan 按料架 ID 顺序寻找第一个能容纳的料架
func (s *Scheduler) plan(ctx context.Context, height float64, upcoming []float64, racks []types.Rack, plateLoaded bool) (planner.Plan, int64, bool) {
	for _, r := range racks {
		state, err := s.cache.GetState(ctx, r.ID)
		if err != nil {
			s.logger.Warn("读取料架状态失败，跳过", "rack_id", r.ID, "error", err)
			continue
		}
		if plateLoaded {
			state = state.WithoutEmptyPlates(s.planner.Options().StorageStartSlot)
		}
		p := s.planner.PlanStorage(height, state, upcoming)
		if p.CanFit {
			return p, r.ID, true
		}
		s.logger.Debug("料架无法容纳", "rack_id", r.ID, "reason", p.Reason)
	}
	return planner.Plan{}, 0, false
}

// upcomingHeights 返回后续排队任务的高度，用于规划时的前瞻
func (s *Scheduler) upcomingHeights(ctx context.Context, excludeID int64) []float64 {
	n := s.planner.Options().LookaheadJobs
	if n <= 0 {
		return nil
	}
	jobs, err := s.store.ListUpcoming(ctx, excludeID, n)
	if err != nil {
		s.logger.Warn("读取后续任务失败", "error", err)
		return nil
	}
	heights := make([]float64, 0, len(jobs))
	for _, j := range jobs {
		if h, err := types.PrintHeight(j.Item); err == nil {
			heights = append(heights, h)
		}
	}
	return heights
}

// pickPrinter 按注册顺序返回第一台未被占用且状态为 IDLE/FINISH 的打印机
func (s *Scheduler) pickPrinter(ctx context.Context) (types.Printer, bool) {
	printers, err := s.store.ListPrinters(ctx)
	if err != nil {
		s.logger.Error("读取打印机失败", "error", err)
		return types.Printer{}, false
	}
	for _, p := range printers {
		if s.workflows.PrinterBusy(p.ID) {
			continue
		}
		st, err := s.printers.LiveStatus(ctx, p.ID)
		if err != nil {
			s.logger.Debug("查询打印机状态失败", "printer_id", p.ID, "error", err)
			continue
		}
		if st.Status.Available() {
			return p, true
		}
	}
	return types.Printer{}, false
}
