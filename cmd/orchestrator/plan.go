package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"print-farm-orchestrator/internal/engine"
	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/rackcache"
	"print-farm-orchestrator/internal/store"
)

var planRackID int64

// planCmd 在不修改任何状态的前提下预览给定高度的槽位分配
var planCmd = &cobra.Command{
	Use:   "plan HEIGHT_MM [HEIGHT_MM...]",
	Short: "预览打印件会被分配到哪个槽位",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		heights := make([]float64, 0, len(args))
		for _, a := range args {
			h, err := strconv.ParseFloat(a, 64)
			if err != nil || h < 0 {
				return fmt.Errorf("无效的高度 %q", a)
			}
			heights = append(heights, h)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		logger := newLogger()

		var st store.Store
		if cfg.Simulate {
			mem := store.NewMemory()
			if _, err := seedDemo(ctx, mem); err != nil {
				return err
			}
			st = mem
		} else {
			db, err := store.NewSQLite(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("打开数据库失败: %w", err)
			}
			st = db
		}
		defer st.Close()

		rackID := planRackID
		if rackID == 0 {
			racks, err := st.ListRacks(ctx)
			if err != nil {
				return err
			}
			if len(racks) == 0 {
				return fmt.Errorf("没有料架")
			}
			rackID = racks[0].ID
		}
		state, err := rackcache.New(st, cfg.Cache.TTL, logger).GetState(ctx, rackID)
		if err != nil {
			return err
		}
		return previewPlans(cmd.OutOrStdout(), engine.NewPlanner(cfg.Planner), state, heights)
	},
}

func init() {
	planCmd.Flags().Int64Var(&planRackID, "rack", 0, "料架 ID (默认第一个料架)")
	rootCmd.AddCommand(planCmd)
}

// previewPlans 依次规划每个高度，后面的高度把前面的规划结果视为已预留
func previewPlans(w io.Writer, p *planner.Planner, state planner.RackState, heights []float64) error {
	type preview struct {
		HeightMm float64      `json:"height_mm"`
		Plan     planner.Plan `json:"plan"`
	}
	sim := state.Clone()
	out := make([]preview, 0, len(heights))
	for i, h := range heights {
		plan := p.PlanStorage(h, sim, heights[i+1:])
		out = append(out, preview{HeightMm: h, Plan: plan})
		if !plan.CanFit {
			continue
		}
		s := sim.Slots[plan.Slot]
		s.ReservedBy = int64(-(i + 2))
		sim.Slots[plan.Slot] = s
		if plan.GrabSlot != 0 {
			g := sim.Slots[plan.GrabSlot]
			g.ReservedBy = int64(-(i + 2))
			sim.Slots[plan.GrabSlot] = g
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
