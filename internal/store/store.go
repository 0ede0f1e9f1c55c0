// Package store 持久化任务、料架、槽位和设备信息。
package store

import (
	"context"
	"errors"
	"fmt"

	"print-farm-orchestrator/internal/types"
)

// ErrNotFound 表示记录不存在
var ErrNotFound = errors.New("not found")

// Store 是编排器依赖的持久化接口
type Store interface {
	// 任务
	CreateJob(ctx context.Context, j *types.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListJobs(ctx context.Context) ([]*types.Job, error)
	// ListQueuedUnassigned 返回自动开始、尚未分配料架的排队任务，按优先级和提交时间排序
	ListQueuedUnassigned(ctx context.Context, limit int) ([]*types.Job, error)
	// ListUpcoming 返回除 excludeID 外的排队任务，顺序同上
	ListUpcoming(ctx context.Context, excludeID int64, limit int) ([]*types.Job, error)
	// ListActiveJobs 返回已分配料架且仍在排队或打印中的任务
	ListActiveJobs(ctx context.Context) ([]*types.Job, error)
	CountQueued(ctx context.Context, excludeID int64) (int, error)
	SaveAssignment(ctx context.Context, jobID int64, a types.Assignment) error
	UpdateJobStatus(ctx context.Context, jobID int64, status types.JobStatus, orch types.OrchestrationStatus, message string) error
	// RequeueJob 清除分配并让任务重新排队
	RequeueJob(ctx context.Context, jobID int64) error

	// 料架与槽位
	CreateRack(ctx context.Context, r *types.Rack) (int64, error)
	GetRack(ctx context.Context, id int64) (types.Rack, error)
	ListRacks(ctx context.Context) ([]types.Rack, error)
	ListSlots(ctx context.Context, rackID int64) ([]types.Slot, error)
	// UpdateSlot 写入槽位状态并返回写入前的状态
	UpdateSlot(ctx context.Context, rackID int64, number int, plate types.PlateState, jobID int64) (types.Slot, error)

	// 设备
	CreatePrinter(ctx context.Context, p *types.Printer) (int64, error)
	GetPrinter(ctx context.Context, id int64) (types.Printer, error)
	ListPrinters(ctx context.Context) ([]types.Printer, error)
	SetPrinterHasPlate(ctx context.Context, id int64, hasPlate bool) error
	CreateEjector(ctx context.Context, e *types.Ejector) (int64, error)
	ListEjectors(ctx context.Context) ([]types.Ejector, error)
	// EjectorForRack 返回服务该料架的取板机，料架未指定时使用第一台
	EjectorForRack(ctx context.Context, rackID int64) (types.Ejector, error)

	PrinterAddress(ctx context.Context, printerID int64) (string, error)
	EjectorAddress(ctx context.Context, ejectorID int64) (string, error)

	Close() error
}

// validateSlotWrite 检查槽位写入是否满足 "有成品才有占用任务"
func validateSlotWrite(rack types.Rack, number int, plate types.PlateState, jobID int64) error {
	if number < 1 || number > rack.ShelfCount {
		return fmt.Errorf("槽位 %d 超出料架 %d 范围 (1-%d)", number, rack.ID, rack.ShelfCount)
	}
	if !plate.Valid() {
		return fmt.Errorf("未知的板状态 %q", plate)
	}
	if plate != types.PlateWithPrint && jobID != 0 {
		return fmt.Errorf("只有 with_print 槽位可以关联任务")
	}
	if plate == types.PlateWithPrint && jobID == 0 {
		return fmt.Errorf("with_print 槽位必须关联任务")
	}
	return nil
}

// isActive 判断任务是否持有料架预留
func isActive(j *types.Job) bool {
	return j.RackID != 0 && (j.Status == types.JobQueued || j.Status == types.JobPrinting)
}

// lessQueued 排队顺序: 优先级数值小的在前，其次提交时间，最后 ID
func lessQueued(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
