package handlers

import (
	"context"
	"log/slog"
	"time"

	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/metrics"
	"print-farm-orchestrator/internal/persistence"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
	"print-farm-orchestrator/internal/web"
)

// Deps 是事件处理器用到的协作者，journal 为空时不记录告警
type Deps struct {
	Bus     *event.Bus
	Tracker *web.StateTracker
	Journal *persistence.Journal
	Store   store.Store
	Logger  *slog.Logger
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、告警、日志）解耦
// 返回的函数取消全部订阅
func RegisterEventHandlers(d Deps) (unsubscribe func()) {
	bus := d.Bus
	st := d.Tracker
	logger := d.Logger.With("component", "handlers")
	var cancels []func()
	on := func(t event.EventType, h event.Handler) {
		cancels = append(cancels, bus.Subscribe(t, h))
	}

	// --- 指标处理器 (Metrics Handler) ---
	on(event.JobAssigned, func(e event.Event) {
		metrics.JobsTotal.WithLabelValues("assigned").Inc()
	})
	on(event.WorkflowCompleted, func(e event.Event) {
		metrics.JobsTotal.WithLabelValues("completed").Inc()
	})
	on(event.WorkflowFailed, func(e event.Event) {
		metrics.JobsTotal.WithLabelValues("failed").Inc()
	})
	on(event.JobPaused, func(e event.Event) {
		metrics.JobsTotal.WithLabelValues("paused").Inc()
		metrics.ConflictsTotal.WithLabelValues("failed").Inc()
	})
	on(event.ConflictDetected, func(e event.Event) {
		metrics.ConflictsTotal.WithLabelValues("detected").Inc()
	})
	on(event.ConflictResolved, func(e event.Event) {
		metrics.ConflictsTotal.WithLabelValues("resolved").Inc()
	})
	// 订阅步骤完成事件，记录执行器命令耗时
	on(event.StepCompleted, func(e event.Event) {
		metrics.StepDuration.WithLabelValues(e.Step).Observe(e.Duration.Seconds())
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		refresh := func(e event.Event) {
			if d.Store == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			j, err := d.Store.GetJob(ctx, e.JobID)
			if err != nil {
				logger.Warn("刷新任务视图失败", "job_id", e.JobID, "error", err)
				return
			}
			st.UpsertJob(j)
		}
		on(event.JobAssigned, refresh)
		on(event.ConflictResolved, refresh)
		on(event.PhaseChanged, func(e event.Event) {
			st.UpdatePhase(e.JobID, e.Phase, "")
		})
		on(event.StepStarted, func(e event.Event) {
			st.UpdatePhase(e.JobID, e.Phase, e.Step)
		})
		on(event.WorkflowCompleted, func(e event.Event) {
			st.UpdateStatus(e.JobID, types.JobCompleted, types.OrchCompleted, "")
		})
		on(event.WorkflowFailed, func(e event.Event) {
			st.UpdateStatus(e.JobID, types.JobFailed, types.OrchFailed, e.Message)
			st.Notify(web.Notification{Type: string(e.Type), JobID: e.JobID, Severity: string(e.Severity), Message: e.Message})
		})
		on(event.JobPaused, func(e event.Event) {
			st.UpdateStatus(e.JobID, types.JobPaused, types.OrchPaused, e.Message)
		})
		notify := func(e event.Event) {
			st.Notify(web.Notification{
				Type: string(e.Type), JobID: e.JobID, RackID: e.RackID, Slot: e.Slot,
				Severity: string(e.Severity), Message: e.Message, Time: e.Timestamp,
			})
		}
		on(event.ConflictDetected, notify)
		on(event.JobPaused, notify)
	}

	// --- 告警处理器 (Alert Journal Handler) ---
	// 需要人工处理的暂停写入日志文件，重启后仍可查询
	if d.Journal != nil {
		on(event.JobPaused, func(e event.Event) {
			a, err := d.Journal.Append(persistence.Alert{
				JobID: e.JobID, RackID: e.RackID, Slot: e.Slot,
				Severity: string(e.Severity), Reason: e.Message,
			})
			if err != nil {
				logger.Error("写入告警日志失败", "job_id", e.JobID, "error", err)
				return
			}
			logger.Debug("告警已记录", "alert_id", a.ID, "job_id", e.JobID)
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	on(event.JobAssigned, func(e event.Event) {
		logger.Info("任务已分配", "job_id", e.JobID, "printer_id", e.PrinterID, "rack_id", e.RackID, "slot", e.Slot, "reason", e.Message)
	})
	on(event.WorkflowCompleted, func(e event.Event) {
		logger.Info("任务已完成入库", "job_id", e.JobID, "rack_id", e.RackID, "slot", e.Slot)
	})
	on(event.WorkflowFailed, func(e event.Event) {
		logger.Error("任务流程失败", "job_id", e.JobID, "phase", e.Phase, "error", e.Message)
	})
	on(event.JobPaused, func(e event.Event) {
		logger.Error("任务需要人工处理", "job_id", e.JobID, "rack_id", e.RackID, "slot", e.Slot, "severity", e.Severity, "reason", e.Message)
	})
	on(event.ConflictResolved, func(e event.Event) {
		logger.Info("冲突已自动解决", "job_id", e.JobID, "rack_id", e.RackID, "reason", e.Message)
	})

	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
