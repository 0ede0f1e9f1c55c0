package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// QueuedJobs 仪表盘：最近一轮调度看到的排队任务数量
	// 用于监控系统积压情况
	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_jobs_queued",
		Help: "Queued jobs seen by the last scheduler tick",
	})

	// ActiveWorkflows 仪表盘：正在执行的任务流程数量
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_workflows",
		Help: "The number of workflows currently running",
	})

	// JobsTotal 计数器：按结果 (assigned/completed/failed/paused) 统计的任务数
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_total",
		Help: "Jobs by orchestration outcome",
	}, []string{"result"})

	// ConflictsTotal 计数器：按处理结果 (detected/resolved/failed) 统计的冲突数
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_conflicts_total",
		Help: "Rack conflicts by outcome",
	}, []string{"outcome"})

	// StepDuration 直方图：执行器命令耗时分布
	// 用于分析各条宏的性能瓶颈
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_actuator_step_duration_seconds",
		Help:    "Time spent in each actuator step",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"step"})

	// TickDuration 直方图：每轮调度耗时
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_scheduler_tick_duration_seconds",
		Help:    "Time spent in one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})
)
