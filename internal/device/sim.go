package device

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// SimPrinters 本地模拟打印机，用于演示和测试
type SimPrinters struct {
	mu       sync.Mutex
	printers map[int64]*simPrinter
	// PrintDuration 决定一次模拟打印的耗时，为空时随机 2-5 秒
	PrintDuration func(filename string) time.Duration
	// FailFiles 中的文件会在打印结束时进入 FAILED
	FailFiles map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

type simPrinter struct {
	status   PrinterStatus
	filename string
	started  time.Time
	duration time.Duration
	gcode    []string
}

// NewSimPrinters 创建指定 ID 的模拟打印机，初始状态为 IDLE
func NewSimPrinters(logger *slog.Logger, ids ...int64) *SimPrinters {
	s := &SimPrinters{
		printers:  make(map[int64]*simPrinter),
		FailFiles: make(map[string]bool),
		logger:    logger.With("component", "sim-printer"),
		now:       time.Now,
	}
	for _, id := range ids {
		s.printers[id] = &simPrinter{status: PrinterIdle}
	}
	return s
}

// SetStatus 强制设置打印机状态
func (s *SimPrinters) SetStatus(id int64, status PrinterStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.printers[id]
	if !ok {
		p = &simPrinter{}
		s.printers[id] = p
	}
	p.status = status
	p.duration = 0
}

// Gcode 返回发送给打印机的 G-code 记录
func (s *SimPrinters) Gcode(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.printers[id]; ok {
		return append([]string(nil), p.gcode...)
	}
	return nil
}

func (s *SimPrinters) get(id int64) (*simPrinter, error) {
	p, ok := s.printers[id]
	if !ok {
		return nil, fmt.Errorf("打印机 %d 不存在", id)
	}
	return p, nil
}

func (s *SimPrinters) LiveStatus(_ context.Context, printerID int64) (PrinterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(printerID)
	if err != nil {
		return PrinterState{Status: PrinterOffline}, err
	}
	st := PrinterState{Status: p.status, Filename: p.filename}
	if p.status == PrinterPrinting && p.duration > 0 {
		elapsed := s.now().Sub(p.started)
		if elapsed >= p.duration {
			if s.FailFiles[p.filename] {
				p.status = PrinterFailed
			} else {
				p.status = PrinterFinish
			}
			st.Status = p.status
			st.Progress = 100
		} else {
			st.Progress = float64(elapsed) / float64(p.duration) * 100
		}
	} else if p.status == PrinterFinish {
		st.Progress = 100
	}
	return st, nil
}

// StartPrint 模拟开始打印
func (s *SimPrinters) StartPrint(_ context.Context, printerID int64, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(printerID)
	if err != nil {
		return err
	}
	if p.status == PrinterPrinting {
		return fmt.Errorf("打印机 %d 正在打印", printerID)
	}
	d := time.Duration(rand.Intn(3000)+2000) * time.Millisecond
	if s.PrintDuration != nil {
		d = s.PrintDuration(filename)
	}
	p.status = PrinterPrinting
	p.filename = filename
	p.started = s.now()
	p.duration = d
	s.logger.Info("开始模拟打印", "printer_id", printerID, "file", filename, "duration", d.String())
	return nil
}

func (s *SimPrinters) SendGcode(_ context.Context, printerID int64, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(printerID)
	if err != nil {
		return err
	}
	p.gcode = append(p.gcode, script)
	return nil
}

// SimEjectors 本地模拟取板机
// 每条宏执行后取板机保持 EJECTING 一段时间，模拟机械动作耗时
type SimEjectors struct {
	mu      sync.Mutex
	busyFor time.Duration
	busy    map[int64]time.Time
	history map[int64][]string
	// FailMacros 中的宏会返回错误
	FailMacros map[string]error
	// StuckMacros 中的宏执行后取板机永远不会回到空闲
	StuckMacros map[string]bool
	stuck       map[int64]bool
	logger      *slog.Logger
}

// NewSimEjectors 创建模拟取板机，busyFor 为每条宏的模拟耗时
func NewSimEjectors(busyFor time.Duration, logger *slog.Logger) *SimEjectors {
	return &SimEjectors{
		busyFor:     busyFor,
		busy:        make(map[int64]time.Time),
		history:     make(map[int64][]string),
		FailMacros:  make(map[string]error),
		StuckMacros: make(map[string]bool),
		stuck:       make(map[int64]bool),
		logger:      logger.With("component", "sim-ejector"),
	}
}

func (s *SimEjectors) ExecuteMacro(ctx context.Context, ejectorID int64, macro string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[ejectorID] = append(s.history[ejectorID], macro)
	if err, ok := s.FailMacros[macro]; ok {
		s.logger.Warn("模拟宏失败", "ejector_id", ejectorID, "macro", macro, "error", err)
		return err
	}
	if s.StuckMacros[macro] {
		s.stuck[ejectorID] = true
	}
	s.busy[ejectorID] = time.Now().Add(s.busyFor)
	s.logger.Debug("执行模拟宏", "ejector_id", ejectorID, "macro", macro)
	return nil
}

func (s *SimEjectors) LiveStatus(_ context.Context, ejectorID int64) (EjectorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuck[ejectorID] {
		return EjectorEjecting, nil
	}
	if until, ok := s.busy[ejectorID]; ok && time.Now().Before(until) {
		return EjectorEjecting, nil
	}
	return EjectorOnline, nil
}

// History 返回取板机执行过的宏
func (s *SimEjectors) History(ejectorID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[ejectorID]...)
}
