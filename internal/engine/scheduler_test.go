package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/types"
)

func TestScheduler_NoIdlePrinterKeepsJobQueued(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.printers.SetStatus(h.printerID, device.PrinterPrinting)
	id := h.addJob("cube.gcode", 50)

	for i := 0; i < 2; i++ {
		n, err := h.orch.Trigger(h.ctx)
		if err != nil || n != 0 {
			t.Fatalf("第 %d 轮: 预期不分配, 得到 %d (%v)", i+1, n, err)
		}
	}
	j := h.job(id)
	if j.Status != types.JobQueued || j.HasRack() || j.OrchStatus != types.OrchUnassigned {
		t.Errorf("任务应保持排队且未分配: %+v", j)
	}
	if h.orch.Workflows.Count() != 0 {
		t.Errorf("不应启动流程")
	}
}

func TestScheduler_NoFittingSlotDefers(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.addJob("tower.gcode", 200)

	n, err := h.orch.Trigger(h.ctx)
	if err != nil || n != 0 {
		t.Fatalf("预期不分配, 得到 %d (%v)", n, err)
	}
	if j := h.job(id); j.HasRack() {
		t.Errorf("放不下的任务不应分配料架")
	}
	if h.orch.Snapshot().SchedulingErrors != 0 {
		t.Errorf("放不下不是调度错误")
	}
}

func TestScheduler_NoSupplyPlateDefers(t *testing.T) {
	h := newHarness(t, harnessOpts{supply: []types.PlateState{types.PlateNone, types.PlateNone}})
	id := h.addJob("cube.gcode", 50)

	if n, _ := h.orch.Trigger(h.ctx); n != 0 {
		t.Fatalf("没有空板时预期不分配, 得到 %d", n)
	}
	if j := h.job(id); j.HasRack() {
		t.Errorf("任务不应分配: %+v", j)
	}
}

func TestScheduler_PlateLoadedPrinterSkipsEmptyPlateSlots(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if _, err := h.store.UpdateSlot(h.ctx, h.rackID, 3, types.PlateEmpty, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetPrinterHasPlate(h.ctx, h.printerID, true); err != nil {
		t.Fatal(err)
	}
	id := h.addJob("cube.gcode", 50)

	if n, err := h.orch.Trigger(h.ctx); err != nil || n != 1 {
		t.Fatalf("预期分配 1 个任务, 得到 %d (%v)", n, err)
	}
	j := h.job(id)
	if j.StoreSlot != 4 || j.GrabSlot != 0 {
		t.Errorf("已装板的打印机应存入无板槽位: store=%d grab=%d", j.StoreSlot, j.GrabSlot)
	}

	h.waitStatus(id, types.JobCompleted)
	for _, m := range h.ejectors.History(h.ejectorID) {
		if m == "GRAB_FROM_SLOT_1" || m == "GRAB_FROM_SLOT_3" {
			t.Errorf("已装板时不应取板, 执行了 %s", m)
		}
	}
	if s := h.slot(3); s.Plate != types.PlateEmpty {
		t.Errorf("槽位 3 的空板应保留, 得到 %s", s.Plate)
	}
}

func TestScheduler_StrictHeightCountsError(t *testing.T) {
	h := newHarness(t, harnessOpts{tune: func(cfg *config.Config) {
		cfg.Planner.StrictHeight = true
	}})
	id := h.addJob("mystery.gcode", 0)

	n, err := h.orch.Trigger(h.ctx)
	if err != nil || n != 0 {
		t.Fatalf("预期不分配且本轮不报错, 得到 %d (%v)", n, err)
	}
	if got := h.orch.Snapshot().SchedulingErrors; got != 1 {
		t.Errorf("预期 scheduling_errors=1, 得到 %d", got)
	}
	if j := h.job(id); j.Status != types.JobQueued || j.HasRack() {
		t.Errorf("任务应保持排队: %+v", j)
	}
}

func TestScheduler_MissingHeightFallsBackToZero(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id := h.addJob("mystery.gcode", 0)

	if n, err := h.orch.Trigger(h.ctx); err != nil || n != 1 {
		t.Fatalf("预期按 0 高度分配, 得到 %d (%v)", n, err)
	}
	if j := h.job(id); j.StoreSlot != 3 {
		t.Errorf("预期槽位 3, 得到 %d", j.StoreSlot)
	}
}

func TestScheduler_ManualOnlyJobsIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	id, err := h.store.CreateJob(h.ctx, &types.Job{Item: &types.PrintItem{FileName: "manual.gcode"}})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := h.orch.Trigger(h.ctx); n != 0 {
		t.Fatalf("未开启自动开始的任务不应被调度")
	}
	if j := h.job(id); j.HasRack() {
		t.Errorf("任务不应分配")
	}
}

func TestScheduler_LoopHonoursEnabledFlag(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.orch.SetProcessing(false)
	h.orch.Start(h.ctx)
	waitFor(t, h.orch.Scheduler.Running, "调度循环启动")

	id := h.addJob("cube.gcode", 50)
	time.Sleep(60 * time.Millisecond)
	if j := h.job(id); j.HasRack() {
		t.Fatalf("暂停自动调度时不应分配任务")
	}

	h.orch.SetProcessing(true)
	waitFor(t, func() bool { return h.job(id).HasRack() }, "开启后自动分配")
	h.waitStatus(id, types.JobCompleted)
}

// addPrinter 注册一台空闲的 P1S
func (h *harness) addPrinter(name string) int64 {
	h.t.Helper()
	id, err := h.store.CreatePrinter(h.ctx, &types.Printer{Name: name, Brand: "Bambu Lab", Model: "P1S"})
	if err != nil {
		h.t.Fatal(err)
	}
	h.printers.SetStatus(id, device.PrinterIdle)
	return id
}

func TestScheduler_JobErrorDoesNotAbortTick(t *testing.T) {
	h := newHarness(t, harnessOpts{tune: func(cfg *config.Config) {
		cfg.Planner.StrictHeight = true
	}})
	bad := h.addJob("mystery.gcode", 0)
	good := h.addJob("cube.gcode", 50)

	n, err := h.orch.Trigger(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("预期本轮仍分配 1 个任务, 得到 %d (%v)", n, err)
	}
	if got := h.orch.Snapshot().SchedulingErrors; got != 1 {
		t.Errorf("预期 scheduling_errors=1, 得到 %d", got)
	}
	if j := h.job(bad); j.Status != types.JobQueued || j.HasRack() {
		t.Errorf("缺少高度的任务应保持排队: %+v", j)
	}
	if j := h.job(good); j.StoreSlot != 3 || j.PrinterID != h.printerID {
		t.Errorf("后面的任务应正常分配, 得到 %+v", j)
	}
}

func TestScheduler_StaleJobListKeepsAssignment(t *testing.T) {
	h := newHarness(t, harnessOpts{ejectBusy: slowEjector})
	h.addPrinter("P2")
	id := h.addJob("cube.gcode", 50)

	stale, err := h.store.ListQueuedUnassigned(h.ctx, 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("预期 1 个排队任务, 得到 %d (%v)", len(stale), err)
	}
	racks, _ := h.store.ListRacks(h.ctx)

	if n, _ := h.orch.Trigger(h.ctx); n != 1 {
		t.Fatalf("预期分配 1 个任务")
	}
	before := h.job(id)

	// 以旧列表再跑一次调度
	ok, err := h.orch.Scheduler.schedule(h.ctx, stale[0], racks)
	if err != nil || ok {
		t.Fatalf("已分配的任务应被跳过, 得到 ok=%v err=%v", ok, err)
	}
	after := h.job(id)
	if after.PrinterID != before.PrinterID || after.StoreSlot != before.StoreSlot || after.GrabSlot != before.GrabSlot {
		t.Errorf("运行中任务的分配被改写: 之前 printer=%d store=%d grab=%d, 之后 printer=%d store=%d grab=%d",
			before.PrinterID, before.StoreSlot, before.GrabSlot, after.PrinterID, after.StoreSlot, after.GrabSlot)
	}
	if got := h.orch.Snapshot().SchedulingErrors; got != 0 {
		t.Errorf("跳过不是调度错误, 得到 %d", got)
	}

	state, err := h.orch.Cache.GetState(h.ctx, h.rackID)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := state.Slot(before.StoreSlot); s.ReservedBy != id {
		t.Errorf("存放槽位 %d 应仍由任务 %d 预留, 得到 %+v", before.StoreSlot, id, s)
	}
}

func TestScheduler_ConcurrentTriggersAssignOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{ejectBusy: slowEjector})
	h.addPrinter("P2")
	a := h.addJob("a.gcode", 50)
	b := h.addJob("b.gcode", 50)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Trigger(h.ctx); err != nil {
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := h.orch.Trigger(h.ctx); err != nil {
		t.Fatal(err)
	}

	ja, jb := h.job(a), h.job(b)
	if !ja.HasRack() || !jb.HasRack() {
		t.Fatalf("两个任务都应分配: %+v %+v", ja, jb)
	}
	if ja.StoreSlot == jb.StoreSlot || ja.PrinterID == jb.PrinterID {
		t.Errorf("并发调度产生重复分配: a=(printer %d, slot %d) b=(printer %d, slot %d)",
			ja.PrinterID, ja.StoreSlot, jb.PrinterID, jb.StoreSlot)
	}
	if got := h.orch.Snapshot().JobsAssignedSlots; got != 2 {
		t.Errorf("预期 jobs_assigned_slots=2, 得到 %d", got)
	}
	if h.orch.Workflows.Count() != 2 {
		t.Errorf("预期 2 个流程, 得到 %d", h.orch.Workflows.Count())
	}
}

func TestJobHeight(t *testing.T) {
	known := &types.Job{ID: 1, Item: &types.PrintItem{Measurements: map[string]any{"z_mm": "42.5"}}}
	unknown := &types.Job{ID: 2, Item: &types.PrintItem{FileName: "mystery.gcode"}}

	for _, strict := range []bool{false, true} {
		if h, err := jobHeight(known, strict, testLogger); err != nil || h != 42.5 {
			t.Errorf("strict=%v: 预期 42.5, 得到 %v (%v)", strict, h, err)
		}
	}
	if h, err := jobHeight(unknown, false, testLogger); err != nil || h != 0 {
		t.Errorf("非严格模式缺少高度应按 0 处理, 得到 %v (%v)", h, err)
	}
	if _, err := jobHeight(unknown, true, testLogger); !errors.Is(err, types.ErrHeightUnknown) {
		t.Errorf("严格模式预期 ErrHeightUnknown, 得到 %v", err)
	}
}
