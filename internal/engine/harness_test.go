package engine

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// harness 是一个装好料架、打印机和取板机的编排器
type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *store.Memory
	bus       *event.Bus
	printers  *device.SimPrinters
	ejectors  *device.SimEjectors
	orch      *Orchestrator
	rackID    int64
	printerID int64
	ejectorID int64
}

type harnessOpts struct {
	shelves   int
	supply    []types.PlateState // 槽位 1、2 的初始状态
	ejectBusy time.Duration
	tune      func(cfg *config.Config)
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.shelves == 0 {
		o.shelves = 6
	}
	if o.supply == nil {
		o.supply = []types.PlateState{types.PlateEmpty, types.PlateEmpty}
	}
	ctx := context.Background()
	s := store.NewMemory()

	ejectorID, err := s.CreateEjector(ctx, &types.Ejector{Name: "otto-1"})
	if err != nil {
		t.Fatal(err)
	}
	rackID, err := s.CreateRack(ctx, &types.Rack{Name: "R1", ShelfCount: o.shelves, ShelfSpacingMm: 80})
	if err != nil {
		t.Fatal(err)
	}
	for i, plate := range o.supply {
		if _, err := s.UpdateSlot(ctx, rackID, i+1, plate, 0); err != nil {
			t.Fatal(err)
		}
	}
	printerID, err := s.CreatePrinter(ctx, &types.Printer{Name: "P1", Brand: "Bambu Lab", Model: "P1S"})
	if err != nil {
		t.Fatal(err)
	}

	printers := device.NewSimPrinters(testLogger, printerID)
	printers.PrintDuration = func(string) time.Duration { return 20 * time.Millisecond }
	ejectors := device.NewSimEjectors(o.ejectBusy, testLogger)

	cfg := config.Default()
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.Workflow.PollInterval = 5 * time.Millisecond
	cfg.Workflow.CompletionDelay = 0
	cfg.Workflow.BedSettleDelay = 0
	cfg.Workflow.MaxPrintDuration = 5 * time.Second
	cfg.Ejector.IdlePollInterval = 2 * time.Millisecond
	cfg.Ejector.IdleTimeout = 2 * time.Second
	cfg.Ejector.LockTimeout = 2 * time.Second
	cfg.Shutdown.Timeout = 2 * time.Second
	if o.tune != nil {
		o.tune(cfg)
	}

	bus := event.NewBus()
	orch, err := New(Deps{Config: cfg, Store: s, Printers: printers, Ejectors: ejectors, Bus: bus, Logger: testLogger})
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &harness{
		t: t, ctx: ctx, store: s, bus: bus, printers: printers, ejectors: ejectors, orch: orch,
		rackID: rackID, printerID: printerID, ejectorID: ejectorID,
	}
}

// addJob 提交一个自动开始的任务
func (h *harness) addJob(file string, heightMm float64) int64 {
	h.t.Helper()
	item := &types.PrintItem{FileName: file}
	if heightMm > 0 {
		item.Measurements = map[string]any{"height_mm": heightMm}
	}
	id, err := h.store.CreateJob(h.ctx, &types.Job{Item: item, AutoStart: true})
	if err != nil {
		h.t.Fatal(err)
	}
	return id
}

// storedPrint 创建一个已完成的任务，代表人工放入料架的成品
func (h *harness) storedPrint(heightMm float64) int64 {
	h.t.Helper()
	id, err := h.store.CreateJob(h.ctx, &types.Job{Item: &types.PrintItem{
		FileName:     "manual.gcode",
		Measurements: map[string]any{"height_mm": heightMm},
	}})
	if err != nil {
		h.t.Fatal(err)
	}
	if err := h.store.UpdateJobStatus(h.ctx, id, types.JobCompleted, types.OrchCompleted, ""); err != nil {
		h.t.Fatal(err)
	}
	return id
}

func (h *harness) job(id int64) *types.Job {
	h.t.Helper()
	j, err := h.store.GetJob(h.ctx, id)
	if err != nil {
		h.t.Fatal(err)
	}
	return j
}

func (h *harness) slot(n int) types.Slot {
	h.t.Helper()
	slots, err := h.store.ListSlots(h.ctx, h.rackID)
	if err != nil {
		h.t.Fatal(err)
	}
	return slots[n-1]
}

// waitStatus 等待任务进入指定状态
func (h *harness) waitStatus(id int64, want types.JobStatus) *types.Job {
	h.t.Helper()
	var j *types.Job
	waitFor(h.t, func() bool {
		j = h.job(id)
		return j.Status == want
	}, "任务 %d 进入 %s", id, want)
	return j
}

func waitFor(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: "+msg, args...)
}

// recorder 记录总线上的事件
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus, kinds ...event.EventType) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e event.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}, kinds...)
	return r
}

// ordered 按发布时间返回某个任务的事件
func (r *recorder) ordered(jobID int64) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Timestamp.Before(out[k].Timestamp) })
	return out
}
