package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/types"
)

// ManualAssignment 是操作员指定的打印机和槽位
// GrabSlot 为 0 表示不取板: 打印机已装板，或者直接使用存放槽位上的空板
type ManualAssignment struct {
	PrinterID int64 `json:"printer_id"`
	RackID    int64 `json:"rack_id"`
	StoreSlot int   `json:"store_slot"`
	GrabSlot  int   `json:"grab_slot"`
}

// AssignmentError 汇总人工分配的全部校验问题
type AssignmentError struct {
	Err error
}

func (e *AssignmentError) Error() string { return "人工分配校验失败: " + e.Err.Error() }

func (e *AssignmentError) Unwrap() error { return e.Err }

// Problems 逐条返回校验问题
func (e *AssignmentError) Problems() []string {
	errs := multierr.Errors(e.Err)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

// AssignManual 按操作员指定的位置分配任务并启动流程
// 校验与调度器看到的是同一份料架快照 (含活跃任务的预留)，与调度轮次互斥
func (s *Scheduler) AssignManual(ctx context.Context, jobID int64, req ManualAssignment) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, running := s.workflows.Phase(jobID); running || j.Status != types.JobQueued || j.HasRack() {
		return nil, fmt.Errorf("任务 %d 状态为 %s，只能人工分配未分配的排队任务: %w", jobID, j.Status, ErrInvalidState)
	}

	a, err := s.validateManual(ctx, j, req)
	if err != nil {
		s.logger.Info("人工分配被拒绝", "job_id", jobID, "error", err)
		return nil, err
	}
	return s.commit(ctx, j, a)
}

// validateManual 收集所有问题后一起返回，而不是遇到第一个就停止
func (s *Scheduler) validateManual(ctx context.Context, j *types.Job, req ManualAssignment) (types.Assignment, error) {
	var problems error

	printer, printerErr := s.store.GetPrinter(ctx, req.PrinterID)
	printerOK := false
	switch {
	case printerErr != nil:
		problems = multierr.Append(problems, fmt.Errorf("打印机 %d 不存在", req.PrinterID))
	case s.workflows.PrinterBusy(printer.ID):
		problems = multierr.Append(problems, fmt.Errorf("打印机 %d 正在执行其他任务", printer.ID))
	default:
		st, err := s.printers.LiveStatus(ctx, printer.ID)
		if err != nil {
			problems = multierr.Append(problems, fmt.Errorf("打印机 %d 状态查询失败: %v", printer.ID, err))
		} else if !st.Status.Available() {
			problems = multierr.Append(problems, fmt.Errorf("打印机 %d 当前状态 %s 不可用", printer.ID, st.Status))
		} else {
			printerOK = true
		}
	}

	if _, err := s.store.GetRack(ctx, req.RackID); err != nil {
		problems = multierr.Append(problems, fmt.Errorf("料架 %d 不存在", req.RackID))
		return types.Assignment{}, &AssignmentError{Err: problems}
	}
	state, err := s.cache.GetState(ctx, req.RackID)
	if err != nil {
		return types.Assignment{}, fmt.Errorf("读取料架 %d 状态失败: %w", req.RackID, err)
	}

	var (
		clearance float64
		store     planner.SlotState
		storeOK   bool
	)
	if req.StoreSlot < 1 || req.StoreSlot > state.ShelfCount {
		problems = multierr.Append(problems, fmt.Errorf("存放槽位 %d 超出范围 (料架共 %d 层)", req.StoreSlot, state.ShelfCount))
	} else if store, storeOK = state.Slot(req.StoreSlot); !storeOK || !store.Usable() {
		problems = multierr.Append(problems, slotProblem("存放槽位", req.StoreSlot, store, storeOK))
		storeOK = false
	} else {
		clearance = s.planner.Clearance(state, req.StoreSlot)
		if height, err := types.PrintHeight(j.Item); err == nil {
			if need := height + s.planner.Options().SafetyMarginMm; clearance < need {
				problems = multierr.Append(problems, fmt.Errorf("存放槽位 %d 净空 %.1fmm 不足，需要 %.1fmm", req.StoreSlot, clearance, need))
			}
		} else if s.strictHeight {
			problems = multierr.Append(problems, errors.New("任务缺少打印高度，无法校验净空"))
		}
	}
	storeHasPlate := storeOK && store.Plate == types.PlateEmpty

	grab := req.GrabSlot
	// 打印机不可用时已经报告过，不再推断装板情况
	hasPlate := printerOK && printer.HasPlate
	switch {
	case hasPlate && storeHasPlate:
		problems = multierr.Append(problems, fmt.Errorf("打印机 %d 已装板，存放槽位 %d 上的空板无法先取走", printer.ID, req.StoreSlot))
	case hasPlate && grab != 0:
		problems = multierr.Append(problems, fmt.Errorf("打印机 %d 已装板，不需要取板槽位", printer.ID))
	case grab == 0 && storeHasPlate:
		grab = req.StoreSlot
	case grab == 0 && printerOK:
		problems = multierr.Append(problems, errors.New("打印机没有打印板，必须指定取板槽位或选择有空板的存放槽位"))
	case grab == req.StoreSlot && storeOK && !storeHasPlate:
		problems = multierr.Append(problems, fmt.Errorf("不能从存放槽位 %d 取板: 槽位上没有空板", grab))
	case grab != 0 && grab != req.StoreSlot:
		if grab < 1 || grab > state.ShelfCount {
			problems = multierr.Append(problems, fmt.Errorf("取板槽位 %d 超出范围 (料架共 %d 层)", grab, state.ShelfCount))
		} else if gs, ok := state.Slot(grab); !ok || !gs.Usable() || gs.Plate != types.PlateEmpty {
			problems = multierr.Append(problems, slotProblem("取板槽位", grab, gs, ok))
		}
	}

	if problems != nil {
		return types.Assignment{}, &AssignmentError{Err: problems}
	}
	return types.Assignment{
		PrinterID:   printer.ID,
		RackID:      req.RackID,
		StoreSlot:   req.StoreSlot,
		GrabSlot:    grab,
		ClearanceMm: clearance,
		Reason:      "manual_assignment",
	}, nil
}

func slotProblem(kind string, n int, s planner.SlotState, known bool) error {
	switch {
	case !known || s.Plate == "":
		return fmt.Errorf("%s %d 状态未知", kind, n)
	case s.ReservedBy > 0:
		return fmt.Errorf("%s %d 已被任务 %d 预留", kind, n, s.ReservedBy)
	case s.Plate == types.PlateWithPrint:
		return fmt.Errorf("%s %d 上已有成品 (任务 %d)", kind, n, s.JobID)
	default:
		return fmt.Errorf("%s %d 没有空板", kind, n)
	}
}
