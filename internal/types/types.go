package types

import "time"

// JobStatus 定义打印任务的生命周期状态
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"    // 排队中，等待调度
	JobPrinting  JobStatus = "PRINTING"  // 已下发到打印机
	JobCompleted JobStatus = "COMPLETED" // 已打印并入库
	JobFailed    JobStatus = "FAILED"    // 执行器或打印失败
	JobPaused    JobStatus = "PAUSED"    // 冲突无法自动解决，等待人工处理
)

// OrchestrationStatus 是编排层的子状态
type OrchestrationStatus string

const (
	OrchUnassigned OrchestrationStatus = "unassigned"
	OrchAssigned   OrchestrationStatus = "assigned"
	OrchPrinting   OrchestrationStatus = "printing"
	OrchEjecting   OrchestrationStatus = "ejecting"
	OrchCompleted  OrchestrationStatus = "completed"
	OrchFailed     OrchestrationStatus = "failed"
	OrchPaused     OrchestrationStatus = "paused"
)

// PlateState 描述料架槽位上的打印板情况
type PlateState string

const (
	PlateNone      PlateState = "none"       // 没有打印板，可提供净空
	PlateEmpty     PlateState = "empty"      // 有一块干净的空板
	PlateWithPrint PlateState = "with_print" // 有一块带成品的板
)

// Valid 判断是否为已知的板状态
func (p PlateState) Valid() bool {
	switch p {
	case PlateNone, PlateEmpty, PlateWithPrint:
		return true
	}
	return false
}

// PrintItem 是打印文件及其测量元数据
type PrintItem struct {
	ID           int64          `json:"id"`
	FileName     string         `json:"file_name"`
	FileLocation string         `json:"file_location,omitempty"`
	Material     string         `json:"material,omitempty"`
	Measurements map[string]any `json:"measurements,omitempty"` // 切片软件导出的尺寸信息 (z / height_mm / z_mm)
}

// Job 表示一个打印任务及其编排分配结果
type Job struct {
	ID          int64               `json:"id"`
	Item        *PrintItem          `json:"item,omitempty"`
	Priority    int                 `json:"priority"` // 数值越小越优先
	AutoStart   bool                `json:"auto_start"`
	Status      JobStatus           `json:"status"`
	OrchStatus  OrchestrationStatus `json:"orchestration_status"`
	PrinterID   int64               `json:"printer_id,omitempty"`
	RackID      int64               `json:"assigned_rack_id,omitempty"`
	StoreSlot   int                 `json:"assigned_store_slot,omitempty"`
	GrabSlot    int                 `json:"assigned_grab_slot,omitempty"`
	ClearanceMm float64             `json:"effective_clearance_mm,omitempty"`
	Reason      string              `json:"slot_assignment_reason,omitempty"`
	Message     string              `json:"status_message,omitempty"`
	SubmittedAt time.Time           `json:"submitted_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// HasRack 判断任务是否已经分配料架
func (j *Job) HasRack() bool { return j.RackID != 0 }

// FileName 返回任务对应的打印文件名
func (j *Job) FileName() string {
	if j.Item == nil {
		return ""
	}
	return j.Item.FileName
}

// Assignment 是调度器或冲突解决器写回任务的分配字段
type Assignment struct {
	PrinterID   int64   `json:"printer_id"`
	RackID      int64   `json:"rack_id"`
	StoreSlot   int     `json:"store_slot"`
	GrabSlot    int     `json:"grab_slot,omitempty"`
	ClearanceMm float64 `json:"clearance_mm"`
	Reason      string  `json:"reason"`
}

// Rack 是物理料架
type Rack struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	ShelfCount     int     `json:"shelf_count"`
	ShelfSpacingMm float64 `json:"shelf_spacing_mm"`
	BedSize        string  `json:"bed_size,omitempty"`
	EjectorID      int64   `json:"ejector_id,omitempty"` // 服务该料架的取板机，0 表示使用第一台
}

// Slot 是料架上的一个槽位，槽位号从 1 开始
type Slot struct {
	RackID int64      `json:"rack_id"`
	Number int        `json:"slot_number"`
	Plate  PlateState `json:"plate_state"`
	JobID  int64      `json:"print_job_id,omitempty"` // 仅当 Plate 为 with_print 时非零
}

// Printer 是注册的打印机
type Printer struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Address  string `json:"address,omitempty"`
	HasPlate bool   `json:"has_build_plate"`
}

// Ejector 是取板机器人
type Ejector struct {
	ID      int64  `json:"id"`
	Name    string `json:"device_name"`
	Address string `json:"ip_address"`
}
