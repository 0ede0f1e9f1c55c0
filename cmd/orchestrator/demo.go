package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
	"print-farm-orchestrator/internal/web"
)

// seedDemo 写入演示用的料架、打印机和取板机，返回打印机 ID
func seedDemo(ctx context.Context, st store.Store) ([]int64, error) {
	if _, err := st.CreateEjector(ctx, &types.Ejector{Name: "ottoeject-1", Address: "127.0.0.1:7125"}); err != nil {
		return nil, err
	}
	rackID, err := st.CreateRack(ctx, &types.Rack{Name: "rack-a", ShelfCount: 8, ShelfSpacingMm: 80, BedSize: "256x256"})
	if err != nil {
		return nil, err
	}
	// 供板槽位放两块空板，存放区底部留一块空板
	for _, slot := range []int{1, 2, 3} {
		if _, err := st.UpdateSlot(ctx, rackID, slot, types.PlateEmpty, 0); err != nil {
			return nil, err
		}
	}

	var ids []int64
	for _, p := range []types.Printer{
		{Name: "p1s-1", Brand: "Bambu Lab", Model: "P1S"},
		{Name: "a1-1", Brand: "Bambu Lab", Model: "A1"},
	} {
		id, err := st.CreatePrinter(ctx, &p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// demoItems 是模拟提交的打印件，高度覆盖低矮件到接近层间距的高件
var demoItems = []struct {
	file     string
	heightMm float64
	priority int
}{
	{"benchy.gcode", 48, 1},
	{"calibration_cube.gcode", 20, 2},
	{"vase_tall.gcode", 65, 1},
	{"bracket.gcode", 12, 0},
	{"spool_holder.gcode", 55, 2},
	{"phone_stand.gcode", 38, 1},
}

// submitDemoJobs 模拟操作员陆续提交打印任务
func submitDemoJobs(ctx context.Context, st store.Store, tracker *web.StateTracker, n int, logger *slog.Logger) {
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
		item := demoItems[i%len(demoItems)]
		job := &types.Job{
			Item: &types.PrintItem{
				FileName:     fmt.Sprintf("%02d_%s", i+1, item.file),
				Material:     "PLA",
				Measurements: map[string]any{"height_mm": item.heightMm},
			},
			Priority:  item.priority,
			AutoStart: true,
		}
		id, err := st.CreateJob(ctx, job)
		if err != nil {
			logger.Error("提交演示任务失败", "error", err)
			continue
		}
		if created, err := st.GetJob(ctx, id); err == nil {
			tracker.UpsertJob(created)
		}
		logger.Info("提交演示任务", "job_id", id, "file", job.Item.FileName, "height_mm", item.heightMm)
	}
}
