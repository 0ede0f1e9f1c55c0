// Package actuator 以线性命令序列的方式驱动取板机和打印机。
//
// 每一步执行完毕后等待取板机回到空闲，任一步失败立即终止整个序列。
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/util"
)

// ErrIdleTimeout 表示取板机在超时时间内没有回到空闲
var ErrIdleTimeout = errors.New("ejector idle wait timed out")

// Step 是序列中的一条命令
type Step struct {
	Name string
	Do   func(ctx context.Context) error
}

// StepError 记录失败的步骤
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Observer 在每一步结束后被调用，用于记录指标和发布事件
type Observer func(step string, d time.Duration, err error)

// Run 依次执行所有步骤，返回第一个失败步骤的 *StepError
func Run(ctx context.Context, steps []Step, observe Observer) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Step: s.Name, Err: err}
		}
		start := time.Now()
		err := s.Do(ctx)
		if observe != nil {
			observe(s.Name, time.Since(start), err)
		}
		if err != nil {
			return &StepError{Index: i, Step: s.Name, Err: err}
		}
	}
	return nil
}

// MacroRunner 在某台取板机上执行宏并等待其回到空闲
type MacroRunner struct {
	Ejectors     device.EjectorControl
	EjectorID    int64
	PollInterval time.Duration
	IdleTimeout  time.Duration
	Logger       *slog.Logger
}

// Macro 构造一个执行宏并等待空闲的步骤
func (m *MacroRunner) Macro(name string) Step {
	return Step{Name: name, Do: func(ctx context.Context) error {
		if err := m.Ejectors.ExecuteMacro(ctx, m.EjectorID, name); err != nil {
			return fmt.Errorf("宏 %s 执行失败: %w", name, err)
		}
		return m.WaitIdle(ctx)
	}}
}

// WaitIdle 轮询取板机状态直到 ONLINE，超时返回 ErrIdleTimeout
// 查询失败视为仍在忙，继续轮询
func (m *MacroRunner) WaitIdle(ctx context.Context) error {
	logger := util.LoggerFromContext(ctx, m.Logger).With("ejector_id", m.EjectorID)
	poll := m.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	timeout := m.IdleTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := m.Ejectors.LiveStatus(ctx, m.EjectorID)
		switch {
		case err != nil:
			logger.Warn("查询取板机状态失败", "error", err)
		case status == device.EjectorOnline:
			return nil
		case status == device.EjectorIssue:
			return fmt.Errorf("取板机报告故障")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrIdleTimeout, timeout)
		case <-ticker.C:
		}
	}
}
