package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"print-farm-orchestrator/internal/actuator"
	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/fsm"
	"print-farm-orchestrator/internal/metrics"
	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/profile"
	"print-farm-orchestrator/internal/rackcache"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
	"print-farm-orchestrator/internal/util"
)

// ErrWorkflowExists 表示任务已经有正在运行的流程
var ErrWorkflowExists = errors.New("workflow already exists for job")

// Workflow 是一个任务从分配到入库的执行过程，进入终态后被丢弃
type Workflow struct {
	JobID     int64
	PrinterID int64
	RackID    int64
	FileName  string
	StartedAt time.Time

	fsm    *fsm.FSM
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	storeSlot int
	grabSlot  int
	abandoned bool
	removed   bool
}

func (w *Workflow) slots() (storeSlot, grabSlot int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.storeSlot, w.grabSlot
}

// WorkflowInfo 是流程的只读视图
type WorkflowInfo struct {
	JobID     int64     `json:"job_id"`
	PrinterID int64     `json:"printer_id"`
	RackID    int64     `json:"rack_id"`
	StoreSlot int       `json:"store_slot"`
	GrabSlot  int       `json:"grab_slot,omitempty"`
	Phase     fsm.State `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

// WorkflowEngine 负责编排和执行每个任务的取板、打印、退板和入库
type WorkflowEngine struct {
	store    store.Store
	cache    *rackcache.Cache
	planner  *planner.Planner
	printers device.PrinterControl
	ejectors device.EjectorControl
	profiles *profile.Resolver
	bus      *event.Bus
	stats    *Stats
	wfCfg    config.WorkflowConfig
	ejCfg    config.EjectorConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	workflows map[int64]*Workflow
	busy      map[int64]int64         // 打印机 -> 占用它的任务
	locks     map[int64]chan struct{} // 每台取板机一个信号量
}

// NewWorkflowEngine 创建一个新的 WorkflowEngine 实例
func NewWorkflowEngine(
	s store.Store,
	cache *rackcache.Cache,
	p *planner.Planner,
	printers device.PrinterControl,
	ejectors device.EjectorControl,
	profiles *profile.Resolver,
	bus *event.Bus,
	stats *Stats,
	wfCfg config.WorkflowConfig,
	ejCfg config.EjectorConfig,
	logger *slog.Logger,
) *WorkflowEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowEngine{
		store:     s,
		cache:     cache,
		planner:   p,
		printers:  printers,
		ejectors:  ejectors,
		profiles:  profiles,
		bus:       bus,
		stats:     stats,
		wfCfg:     wfCfg,
		ejCfg:     ejCfg,
		logger:    logger.With("component", "workflow"),
		ctx:       ctx,
		cancel:    cancel,
		workflows: make(map[int64]*Workflow),
		busy:      make(map[int64]int64),
		locks:     make(map[int64]chan struct{}),
	}
}

// Start 为已分配的任务创建流程并在后台执行
func (e *WorkflowEngine) Start(job *types.Job) error {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return errors.New("workflow engine stopped")
	}
	if _, ok := e.workflows[job.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("任务 %d: %w", job.ID, ErrWorkflowExists)
	}
	// 生成 Trace ID 并注入 Context，用于全链路追踪
	ctx, cancel := context.WithCancel(util.ContextWithTraceID(e.ctx, util.NewTraceID()))
	wf := &Workflow{
		JobID:     job.ID,
		PrinterID: job.PrinterID,
		RackID:    job.RackID,
		FileName:  job.FileName(),
		StartedAt: time.Now(),
		fsm:       fsm.NewFSM(strconv.FormatInt(job.ID, 10), e.logger),
		ctx:       ctx,
		cancel:    cancel,
		storeSlot: job.StoreSlot,
		grabSlot:  job.GrabSlot,
	}
	e.workflows[job.ID] = wf
	e.busy[job.PrinterID] = job.ID
	e.mu.Unlock()

	metrics.ActiveWorkflows.Inc()
	e.wg.Go(func() { e.run(wf) })
	return nil
}

func (e *WorkflowEngine) logFor(wf *Workflow) *slog.Logger {
	return util.LoggerFromContext(wf.ctx, e.logger).With("job_id", wf.JobID, "printer_id", wf.PrinterID, "rack_id", wf.RackID)
}

// run 执行 pre_print 和 printing，之后由后台监控接管
func (e *WorkflowEngine) run(wf *Workflow) {
	ctx := wf.ctx
	logger := e.logFor(wf)
	storeSlot, grabSlot := wf.slots()

	e.bus.Publish(event.Event{Type: event.WorkflowStarted, JobID: wf.JobID, PrinterID: wf.PrinterID, RackID: wf.RackID, Slot: storeSlot})
	logger.Info("任务流程开始", "file", wf.FileName, "store_slot", storeSlot, "grab_slot", grabSlot)

	if err := e.advance(wf, fsm.EventPrepare); err != nil {
		e.fail(wf, err)
		return
	}
	if err := e.prePrint(ctx, wf); err != nil {
		e.fail(wf, fmt.Errorf("pre_print: %w", err))
		return
	}
	if err := e.advance(wf, fsm.EventReady); err != nil {
		e.fail(wf, err)
		return
	}
	if err := e.dispatch(ctx, wf); err != nil {
		e.fail(wf, fmt.Errorf("printing: %w", err))
		return
	}
	e.wg.Go(func() { e.monitor(ctx, wf) })
}

// advance 推进阶段并通知订阅者
func (e *WorkflowEngine) advance(wf *Workflow, ev fsm.Event) error {
	if err := wf.fsm.Fire(ev); err != nil {
		return err
	}
	e.bus.Publish(event.Event{Type: event.PhaseChanged, JobID: wf.JobID, PrinterID: wf.PrinterID, RackID: wf.RackID, Phase: string(wf.fsm.Current())})
	return nil
}

// prePrint 打印机没有打印板时从取板槽位装板: 归位、取板、装板、停靠
func (e *WorkflowEngine) prePrint(ctx context.Context, wf *Workflow) error {
	logger := e.logFor(wf)
	printer, err := e.store.GetPrinter(ctx, wf.PrinterID)
	if err != nil {
		return err
	}
	if printer.HasPlate {
		logger.Info("打印机已有打印板，跳过取板")
		return nil
	}
	if _, grab := wf.slots(); grab == 0 {
		return fmt.Errorf("打印机 %d 没有打印板且未分配取板槽位", printer.ID)
	}

	prof := e.profiles.Resolve(printer.Brand, printer.Model)
	ej, err := e.store.EjectorForRack(ctx, wf.RackID)
	if err != nil {
		return err
	}
	release, err := e.lockEjector(ctx, ej.ID)
	if err != nil {
		return err
	}
	defer release()

	runner := e.runner(ej.ID)
	// 取板槽位在执行时读取，归位期间的冲突重新分配仍然生效
	var grab int
	grabStep := actuator.Step{Name: "GRAB_FROM_SLOT", Do: func(ctx context.Context) error {
		_, grab = wf.slots()
		return runner.Macro(device.GrabMacro(grab)).Do(ctx)
	}}
	if err := e.runSteps(ctx, wf,
		runner.Macro(device.MacroHome),
		grabStep,
		runner.Macro(prof.LoadMacro),
		runner.Macro(device.MacroPark),
	); err != nil {
		return err
	}
	if err := e.writeSlot(ctx, wf, grab, types.PlateNone, 0); err != nil {
		return err
	}
	if err := e.store.SetPrinterHasPlate(ctx, printer.ID, true); err != nil {
		return err
	}
	logger.Info("已装载打印板", "grab_slot", grab, "profile", prof.Name)
	return nil
}

// dispatch 下发打印，不等待打印完成
func (e *WorkflowEngine) dispatch(ctx context.Context, wf *Workflow) error {
	if wf.FileName == "" {
		return errors.New("任务没有打印文件")
	}
	if err := e.printers.StartPrint(ctx, wf.PrinterID, wf.FileName); err != nil {
		return fmt.Errorf("启动打印失败: %w", err)
	}
	if err := e.advance(wf, fsm.EventStartPrint); err != nil {
		return err
	}
	if err := e.store.UpdateJobStatus(ctx, wf.JobID, types.JobPrinting, types.OrchPrinting, ""); err != nil {
		return err
	}
	e.stats.JobsDispatched.Add(1)
	e.logFor(wf).Info("已下发打印", "file", wf.FileName)
	return nil
}

// monitor 轮询打印进度，完成后执行退板入库
func (e *WorkflowEngine) monitor(ctx context.Context, wf *Workflow) {
	logger := e.logFor(wf)
	started := time.Now()

	ticker := time.NewTicker(e.wfCfg.PollInterval)
	defer ticker.Stop()
	var ceiling <-chan time.Time
	if maxDur := e.wfCfg.MaxPrintDuration; maxDur > 0 {
		t := time.NewTimer(maxDur)
		defer t.Stop()
		ceiling = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("停止监控打印进度")
			return
		case <-ceiling:
			e.fail(wf, fmt.Errorf("打印超过最长监控时间 %s", e.wfCfg.MaxPrintDuration))
			return
		case <-ticker.C:
		}

		// 刚下发时打印机可能仍报告上一个任务的状态
		if time.Since(started) < e.wfCfg.CompletionDelay {
			continue
		}
		st, err := e.printers.LiveStatus(ctx, wf.PrinterID)
		if err != nil {
			logger.Warn("查询打印机状态失败", "error", err)
			continue
		}
		switch {
		case st.Status == device.PrinterFinish, st.Status == device.PrinterIdle && st.Progress >= 99:
			logger.Info("打印完成", "status", st.Status, "progress", st.Progress)
			e.finish(ctx, wf)
			return
		case st.Status == device.PrinterFailed, st.Status == device.PrinterPaused:
			e.fail(wf, fmt.Errorf("打印机报告状态 %s", st.Status))
			return
		}
	}
}

func (e *WorkflowEngine) finish(ctx context.Context, wf *Workflow) {
	if err := e.advance(wf, fsm.EventPrintDone); err != nil {
		e.fail(wf, err)
		return
	}
	if err := e.advance(wf, fsm.EventEject); err != nil {
		e.fail(wf, err)
		return
	}
	if err := e.postPrint(ctx, wf); err != nil {
		e.fail(wf, fmt.Errorf("post_print: %w", err))
		return
	}
	if err := e.advance(wf, fsm.EventStored); err != nil {
		e.fail(wf, err)
		return
	}
	if err := e.store.UpdateJobStatus(ctx, wf.JobID, types.JobCompleted, types.OrchCompleted, ""); err != nil {
		e.fail(wf, err)
		return
	}
	storeSlot, _ := wf.slots()
	e.stats.JobsCompleted.Add(1)
	e.remove(wf)
	e.bus.Publish(event.Event{Type: event.WorkflowCompleted, JobID: wf.JobID, PrinterID: wf.PrinterID, RackID: wf.RackID, Slot: storeSlot})
	e.logFor(wf).Info("任务已入库", "store_slot", storeSlot, "duration", time.Since(wf.StartedAt).String())
}

// postPrint 退板入库; 没有后续任务时关门，否则立即为打印机预装下一块板
func (e *WorkflowEngine) postPrint(ctx context.Context, wf *Workflow) error {
	logger := e.logFor(wf)
	printer, err := e.store.GetPrinter(ctx, wf.PrinterID)
	if err != nil {
		return err
	}
	prof := e.profiles.Resolve(printer.Brand, printer.Model)
	storeSlot, _ := wf.slots()

	if err := e.store.UpdateJobStatus(ctx, wf.JobID, types.JobPrinting, types.OrchEjecting, ""); err != nil {
		logger.Warn("更新任务状态失败", "error", err)
	}

	if prof.BedGcode != "" {
		if err := e.printers.SendGcode(ctx, wf.PrinterID, prof.BedGcode); err != nil {
			return fmt.Errorf("移动热床失败: %w", err)
		}
		if err := sleepCtx(ctx, e.wfCfg.BedSettleDelay); err != nil {
			return err
		}
	}

	ej, err := e.store.EjectorForRack(ctx, wf.RackID)
	if err != nil {
		return err
	}
	release, err := e.lockEjector(ctx, ej.ID)
	if err != nil {
		return err
	}
	defer release()
	runner := e.runner(ej.ID)

	if err := e.runSteps(ctx, wf,
		runner.Macro(device.MacroHome),
		runner.Macro(prof.EjectMacro),
		runner.Macro(device.StoreMacro(storeSlot)),
	); err != nil {
		return err
	}
	if err := e.writeSlot(ctx, wf, storeSlot, types.PlateWithPrint, wf.JobID); err != nil {
		return err
	}
	if err := e.store.SetPrinterHasPlate(ctx, printer.ID, false); err != nil {
		return err
	}

	queued, err := e.store.CountQueued(ctx, wf.JobID)
	if err != nil {
		logger.Warn("统计排队任务失败，按无后续任务处理", "error", err)
		queued = 0
	}
	if queued == 0 {
		if prof.DoorMacro != "" {
			if err := e.runSteps(ctx, wf, runner.Macro(prof.DoorMacro)); err != nil {
				return err
			}
		}
	} else if err := e.pipelinePlate(ctx, wf, runner, prof, printer.ID); err != nil {
		return err
	}
	return e.runSteps(ctx, wf, runner.Macro(device.MacroPark))
}

// pipelinePlate 入库后立即为打印机装下一块空板，并提前释放打印机
func (e *WorkflowEngine) pipelinePlate(ctx context.Context, wf *Workflow, runner *actuator.MacroRunner, prof profile.Profile, printerID int64) error {
	logger := e.logFor(wf)
	state, err := e.cache.Refresh(ctx, wf.RackID)
	if err != nil {
		return err
	}
	g := e.planner.FindGrabSlot(state)
	if !g.Available {
		logger.Warn("没有可预装的空板", "reason", g.Reason)
		return nil
	}
	if err := e.runSteps(ctx, wf,
		runner.Macro(device.GrabMacro(g.Slot)),
		runner.Macro(prof.LoadMacro),
	); err != nil {
		return err
	}
	if err := e.writeSlot(ctx, wf, g.Slot, types.PlateNone, 0); err != nil {
		return err
	}
	if err := e.store.SetPrinterHasPlate(ctx, printerID, true); err != nil {
		return err
	}
	e.releasePrinter(wf)
	logger.Info("已为下一个任务预装打印板", "grab_slot", g.Slot)
	return nil
}

// writeSlot 写入槽位并发布编排器自身的料架变化
func (e *WorkflowEngine) writeSlot(ctx context.Context, wf *Workflow, slot int, plate types.PlateState, jobID int64) error {
	prev, err := e.store.UpdateSlot(ctx, wf.RackID, slot, plate, jobID)
	if err != nil {
		return fmt.Errorf("更新槽位 %d 失败: %w", slot, err)
	}
	e.cache.Invalidate(wf.RackID)
	e.bus.Publish(event.Event{
		Type:        event.RackChanged,
		JobID:       wf.JobID,
		RackID:      wf.RackID,
		Slot:        slot,
		PrevState:   prev.Plate,
		NewState:    plate,
		TriggeredBy: event.TriggeredByOrchestrator,
	})
	return nil
}

func (e *WorkflowEngine) runner(ejectorID int64) *actuator.MacroRunner {
	return &actuator.MacroRunner{
		Ejectors:     e.ejectors,
		EjectorID:    ejectorID,
		PollInterval: e.ejCfg.IdlePollInterval,
		IdleTimeout:  e.ejCfg.IdleTimeout,
		Logger:       e.logger,
	}
}

// runSteps 顺序执行命令，每一步发布开始和结束事件
func (e *WorkflowEngine) runSteps(ctx context.Context, wf *Workflow, steps ...actuator.Step) error {
	phase := string(wf.fsm.Current())
	wrapped := make([]actuator.Step, len(steps))
	for i, s := range steps {
		s := s
		wrapped[i] = actuator.Step{Name: s.Name, Do: func(ctx context.Context) error {
			e.bus.Publish(event.Event{Type: event.StepStarted, JobID: wf.JobID, RackID: wf.RackID, Phase: phase, Step: s.Name})
			return s.Do(ctx)
		}}
	}
	return actuator.Run(ctx, wrapped, func(step string, d time.Duration, err error) {
		ev := event.Event{Type: event.StepCompleted, JobID: wf.JobID, RackID: wf.RackID, Phase: phase, Step: step, Duration: d}
		if err != nil {
			ev.Message = err.Error()
			ev.Error = err
		}
		e.bus.Publish(ev)
	})
}

// lockEjector 获取取板机信号量，同一时间只有一个流程驱动同一台取板机
func (e *WorkflowEngine) lockEjector(ctx context.Context, ejectorID int64) (func(), error) {
	e.mu.Lock()
	pool, ok := e.locks[ejectorID]
	if !ok {
		pool = make(chan struct{}, 1)
		e.locks[ejectorID] = pool
	}
	e.mu.Unlock()

	timer := time.NewTimer(e.ejCfg.LockTimeout)
	defer timer.Stop()
	select {
	case pool <- struct{}{}:
		return func() { <-pool }, nil
	case <-timer.C:
		return nil, fmt.Errorf("等待取板机 %d 超时 (%s)", ejectorID, e.ejCfg.LockTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail 将任务标记为 FAILED 并丢弃流程
// 被中止的流程 (冲突升级或停机) 不修改任务状态
func (e *WorkflowEngine) fail(wf *Workflow, cause error) {
	logger := e.logFor(wf)
	phase := wf.fsm.Current()

	wf.mu.Lock()
	abandoned := wf.abandoned
	wf.mu.Unlock()
	if abandoned || e.ctx.Err() != nil {
		e.remove(wf)
		logger.Info("流程已中止", "phase", phase, "cause", cause)
		return
	}

	if err := e.advance(wf, fsm.EventFail); err != nil {
		logger.Warn("流程已处于终态", "error", err)
	}
	e.remove(wf)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateJobStatus(ctx, wf.JobID, types.JobFailed, types.OrchFailed, cause.Error()); err != nil {
		logger.Error("更新任务状态失败", "error", err)
	}
	e.stats.JobsFailed.Add(1)
	e.bus.Publish(event.Event{
		Type:      event.WorkflowFailed,
		JobID:     wf.JobID,
		PrinterID: wf.PrinterID,
		RackID:    wf.RackID,
		Phase:     string(phase),
		Severity:  event.SeverityHigh,
		Message:   cause.Error(),
		Error:     cause,
	})
	logger.Error("任务流程失败", "phase", phase, "error", cause)
}

// remove 丢弃流程并释放打印机，可重复调用
func (e *WorkflowEngine) remove(wf *Workflow) {
	wf.mu.Lock()
	if wf.removed {
		wf.mu.Unlock()
		return
	}
	wf.removed = true
	wf.mu.Unlock()

	e.mu.Lock()
	if cur, ok := e.workflows[wf.JobID]; ok && cur == wf {
		delete(e.workflows, wf.JobID)
	}
	if e.busy[wf.PrinterID] == wf.JobID {
		delete(e.busy, wf.PrinterID)
	}
	e.mu.Unlock()
	wf.cancel()
	metrics.ActiveWorkflows.Dec()
}

func (e *WorkflowEngine) releasePrinter(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[wf.PrinterID] == wf.JobID {
		delete(e.busy, wf.PrinterID)
	}
}

// Abandon 中止任务的流程，不修改任务状态
func (e *WorkflowEngine) Abandon(jobID int64) bool {
	e.mu.Lock()
	wf, ok := e.workflows[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	wf.mu.Lock()
	wf.abandoned = true
	wf.mu.Unlock()
	e.remove(wf)
	e.logFor(wf).Warn("流程已中止")
	return true
}

// Reassign 更新运行中流程的存放和取板槽位，仅供冲突解决使用
func (e *WorkflowEngine) Reassign(jobID int64, storeSlot, grabSlot int) bool {
	e.mu.Lock()
	wf, ok := e.workflows[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	wf.mu.Lock()
	wf.storeSlot = storeSlot
	wf.grabSlot = grabSlot
	wf.mu.Unlock()
	return true
}

// Phase 返回任务流程的当前阶段
func (e *WorkflowEngine) Phase(jobID int64) (fsm.State, bool) {
	e.mu.Lock()
	wf, ok := e.workflows[jobID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	return wf.fsm.Current(), true
}

// PrinterBusy 判断打印机是否被某个流程占用
func (e *WorkflowEngine) PrinterBusy(printerID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.busy[printerID]
	return ok
}

// Count 返回运行中的流程数量
func (e *WorkflowEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workflows)
}

// List 按任务 ID 返回所有运行中的流程
func (e *WorkflowEngine) List() []WorkflowInfo {
	e.mu.Lock()
	wfs := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		wfs = append(wfs, wf)
	}
	e.mu.Unlock()

	out := make([]WorkflowInfo, 0, len(wfs))
	for _, wf := range wfs {
		storeSlot, grabSlot := wf.slots()
		out = append(out, WorkflowInfo{
			JobID: wf.JobID, PrinterID: wf.PrinterID, RackID: wf.RackID,
			StoreSlot: storeSlot, GrabSlot: grabSlot, Phase: wf.fsm.Current(), StartedAt: wf.StartedAt,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// Shutdown 取消所有流程和打印监控，等待后台 goroutine 退出
func (e *WorkflowEngine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan error, 1)
	go func() {
		if r := e.wg.WaitAndRecover(); r != nil {
			done <- r.AsError()
			return
		}
		done <- nil
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("等待流程退出超时: %w", ctx.Err())
	}

	e.mu.Lock()
	e.workflows = make(map[int64]*Workflow)
	e.busy = make(map[int64]int64)
	e.mu.Unlock()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
