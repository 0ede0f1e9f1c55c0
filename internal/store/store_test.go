package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"print-farm-orchestrator/internal/types"
)

// runStoreSuite 对所有实现执行相同的行为测试
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("jobs queue order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

		ids := map[string]int64{}
		for _, j := range []struct {
			name     string
			priority int
			offset   time.Duration
			auto     bool
		}{
			{"late-high", 1, 3 * time.Minute, true},
			{"early-low", 5, 0, true},
			{"early-high", 1, time.Minute, true},
			{"manual", 0, 0, false},
		} {
			id, err := s.CreateJob(ctx, &types.Job{
				Item:        &types.PrintItem{FileName: j.name + ".gcode", Measurements: map[string]any{"z": 12.5}},
				Priority:    j.priority,
				AutoStart:   j.auto,
				SubmittedAt: base.Add(j.offset),
			})
			if err != nil {
				t.Fatalf("创建任务失败: %v", err)
			}
			ids[j.name] = id
		}

		queued, err := s.ListQueuedUnassigned(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		got := []int64{}
		for _, j := range queued {
			got = append(got, j.ID)
		}
		want := []int64{ids["early-high"], ids["late-high"], ids["early-low"]}
		if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
			t.Fatalf("排队顺序错误: 预期 %v, 得到 %v", want, got)
		}
		if h, err := types.PrintHeight(queued[0].Item); err != nil || h != 12.5 {
			t.Errorf("测量数据未保留: %v %v", h, err)
		}

		if limited, _ := s.ListQueuedUnassigned(ctx, 2); len(limited) != 2 {
			t.Errorf("limit 未生效: %d", len(limited))
		}
		upcoming, _ := s.ListUpcoming(ctx, ids["early-high"], 10)
		if len(upcoming) != 3 {
			t.Errorf("后续任务应包含手动任务且排除自身, 得到 %d", len(upcoming))
		}
		if n, _ := s.CountQueued(ctx, ids["manual"]); n != 3 {
			t.Errorf("预期 3 个其他排队任务, 得到 %d", n)
		}
	})

	t.Run("assignment lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, _ := s.CreateJob(ctx, &types.Job{AutoStart: true, Item: &types.PrintItem{FileName: "a.gcode"}})

		a := types.Assignment{PrinterID: 3, RackID: 1, StoreSlot: 4, GrabSlot: 1, ClearanceMm: 80, Reason: "slot_4"}
		if err := s.SaveAssignment(ctx, id, a); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateJobStatus(ctx, id, types.JobQueued, types.OrchAssigned, ""); err != nil {
			t.Fatal(err)
		}
		if q, _ := s.ListQueuedUnassigned(ctx, 10); len(q) != 0 {
			t.Errorf("已分配的任务不应再被调度")
		}
		active, _ := s.ListActiveJobs(ctx)
		if len(active) != 1 || active[0].StoreSlot != 4 || active[0].GrabSlot != 1 {
			t.Fatalf("活跃任务错误: %+v", active)
		}

		_ = s.UpdateJobStatus(ctx, id, types.JobPrinting, types.OrchPrinting, "")
		_ = s.UpdateJobStatus(ctx, id, types.JobCompleted, types.OrchCompleted, "")
		j, _ := s.GetJob(ctx, id)
		if j.StartedAt == nil || j.CompletedAt == nil {
			t.Errorf("应记录开始和完成时间: %+v", j)
		}
		if active, _ := s.ListActiveJobs(ctx); len(active) != 0 {
			t.Errorf("完成的任务不应保留预留")
		}

		if err := s.RequeueJob(ctx, id); err != nil {
			t.Fatal(err)
		}
		j, _ = s.GetJob(ctx, id)
		if j.Status != types.JobQueued || j.OrchStatus != types.OrchUnassigned || j.RackID != 0 || j.CompletedAt != nil {
			t.Errorf("重新排队后应清空分配: %+v", j)
		}
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetJob(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Errorf("预期 ErrNotFound, 得到 %v", err)
		}
		if err := s.UpdateJobStatus(ctx, 404, types.JobFailed, types.OrchFailed, "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("预期 ErrNotFound, 得到 %v", err)
		}
		if _, err := s.GetRack(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Errorf("预期 ErrNotFound, 得到 %v", err)
		}
		if _, err := s.EjectorForRack(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Errorf("预期 ErrNotFound, 得到 %v", err)
		}
	})

	t.Run("racks and slots", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateRack(ctx, &types.Rack{Name: "bad"}); err == nil {
			t.Error("无效料架应报错")
		}
		rackID, err := s.CreateRack(ctx, &types.Rack{Name: "R1", ShelfCount: 6, ShelfSpacingMm: 80})
		if err != nil {
			t.Fatal(err)
		}
		slots, _ := s.ListSlots(ctx, rackID)
		if len(slots) != 6 || slots[0].Number != 1 || slots[5].Plate != types.PlateNone {
			t.Fatalf("新料架槽位应全部为 none: %+v", slots)
		}

		prev, err := s.UpdateSlot(ctx, rackID, 3, types.PlateWithPrint, 9)
		if err != nil {
			t.Fatal(err)
		}
		if prev.Plate != types.PlateNone {
			t.Errorf("应返回写入前的状态, 得到 %+v", prev)
		}
		prev, _ = s.UpdateSlot(ctx, rackID, 3, types.PlateEmpty, 0)
		if prev.Plate != types.PlateWithPrint || prev.JobID != 9 {
			t.Errorf("应返回写入前的状态, 得到 %+v", prev)
		}

		if _, err := s.UpdateSlot(ctx, rackID, 7, types.PlateEmpty, 0); err == nil {
			t.Error("越界槽位应报错")
		}
		if _, err := s.UpdateSlot(ctx, rackID, 4, types.PlateEmpty, 5); err == nil {
			t.Error("空板槽位不能关联任务")
		}
		if _, err := s.UpdateSlot(ctx, rackID, 4, types.PlateWithPrint, 0); err == nil {
			t.Error("with_print 槽位必须关联任务")
		}
		if _, err := s.UpdateSlot(ctx, rackID, 4, "broken", 0); err == nil {
			t.Error("未知状态应报错")
		}
	})

	t.Run("devices", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e1, _ := s.CreateEjector(ctx, &types.Ejector{Name: "E1", Address: "10.0.0.5"})
		e2, _ := s.CreateEjector(ctx, &types.Ejector{Name: "E2", Address: "10.0.0.6"})
		r1, _ := s.CreateRack(ctx, &types.Rack{Name: "R1", ShelfCount: 4, ShelfSpacingMm: 60})
		r2, _ := s.CreateRack(ctx, &types.Rack{Name: "R2", ShelfCount: 4, ShelfSpacingMm: 60, EjectorID: e2})

		if e, _ := s.EjectorForRack(ctx, r1); e.ID != e1 {
			t.Errorf("未指定时应使用第一台取板机, 得到 %d", e.ID)
		}
		if e, _ := s.EjectorForRack(ctx, r2); e.ID != e2 {
			t.Errorf("应使用料架指定的取板机, 得到 %d", e.ID)
		}
		if addr, _ := s.EjectorAddress(ctx, e2); addr != "10.0.0.6" {
			t.Errorf("地址错误: %s", addr)
		}

		p, _ := s.CreatePrinter(ctx, &types.Printer{Name: "P1", Brand: "Bambu Lab", Model: "P1S", Address: "10.0.0.9"})
		if err := s.SetPrinterHasPlate(ctx, p, true); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetPrinter(ctx, p)
		if !got.HasPlate || got.Model != "P1S" {
			t.Errorf("打印机信息错误: %+v", got)
		}
		if list, _ := s.ListPrinters(ctx); len(list) != 1 {
			t.Errorf("预期 1 台打印机, 得到 %d", len(list))
		}
		if addr, _ := s.PrinterAddress(ctx, p); addr != "10.0.0.9" {
			t.Errorf("地址错误: %s", addr)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
		if err != nil {
			t.Fatalf("打开数据库失败: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	id, _ := s.CreateJob(ctx, &types.Job{Item: &types.PrintItem{Measurements: map[string]any{"z": 1.0}}})
	j, _ := s.GetJob(ctx, id)
	j.Status = types.JobFailed
	j.Item.Measurements["z"] = 99.0

	again, _ := s.GetJob(ctx, id)
	if again.Status != types.JobQueued || again.Item.Measurements["z"] != 1.0 {
		t.Errorf("修改返回值不应影响存储: %+v", again)
	}
}
