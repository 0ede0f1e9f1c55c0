// Package device 定义打印机和取板机的控制接口，以及 Moonraker 客户端和模拟器实现。
package device

import (
	"context"
	"strconv"
)

// PrinterStatus 是打印机的实时状态
type PrinterStatus string

const (
	PrinterIdle     PrinterStatus = "IDLE"
	PrinterPrinting PrinterStatus = "PRINTING"
	PrinterRunning  PrinterStatus = "RUNNING"
	PrinterFinish   PrinterStatus = "FINISH"
	PrinterFailed   PrinterStatus = "FAILED"
	PrinterPaused   PrinterStatus = "PAUSED"
	PrinterOffline  PrinterStatus = "OFFLINE"
)

// Available 判断打印机是否可以接受新任务
func (s PrinterStatus) Available() bool {
	return s == PrinterIdle || s == PrinterFinish
}

// PrinterState 是一次状态查询的结果
type PrinterState struct {
	Status   PrinterStatus `json:"status"`
	Progress float64       `json:"progress"` // 0-100
	Filename string        `json:"filename,omitempty"`
}

// PrinterControl 打印机控制接口
type PrinterControl interface {
	LiveStatus(ctx context.Context, printerID int64) (PrinterState, error)
	StartPrint(ctx context.Context, printerID int64, filename string) error
	SendGcode(ctx context.Context, printerID int64, script string) error
}

// EjectorStatus 是取板机的实时状态
type EjectorStatus string

const (
	EjectorOnline   EjectorStatus = "ONLINE" // 空闲，可以接受下一条宏
	EjectorEjecting EjectorStatus = "EJECTING"
	EjectorIssue    EjectorStatus = "ISSUE"
	EjectorOffline  EjectorStatus = "OFFLINE"
)

// EjectorControl 取板机控制接口
type EjectorControl interface {
	ExecuteMacro(ctx context.Context, ejectorID int64, macro string) error
	LiveStatus(ctx context.Context, ejectorID int64) (EjectorStatus, error)
}

// AddressBook 根据设备 ID 查找网络地址
type AddressBook interface {
	PrinterAddress(ctx context.Context, printerID int64) (string, error)
	EjectorAddress(ctx context.Context, ejectorID int64) (string, error)
}

// 料架取放宏，槽位号直接拼接在名称后
const (
	MacroHome = "OTTOEJECT_HOME"
	MacroPark = "PARK_OTTOEJECT"
)

// GrabMacro 返回从槽位取板的宏名称
func GrabMacro(slot int) string { return "GRAB_FROM_SLOT_" + strconv.Itoa(slot) }

// StoreMacro 返回把板存入槽位的宏名称
func StoreMacro(slot int) string { return "STORE_TO_SLOT_" + strconv.Itoa(slot) }
