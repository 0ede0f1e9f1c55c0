package engine

import "sync/atomic"

// Stats 是进程内的统计计数，只在重启时清零
type Stats struct {
	TotalEvents       atomic.Int64
	ConflictsDetected atomic.Int64
	ConflictsResolved atomic.Int64
	ConflictsFailed   atomic.Int64
	JobsPaused        atomic.Int64
	JobsReassigned    atomic.Int64

	JobsProcessed     atomic.Int64
	JobsAssignedSlots atomic.Int64
	JobsDispatched    atomic.Int64
	JobsCompleted     atomic.Int64
	JobsFailed        atomic.Int64
	SchedulingErrors  atomic.Int64
}

// StatsSnapshot 是某一时刻的统计快照
type StatsSnapshot struct {
	TotalEvents       int64 `json:"total_events"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	ConflictsFailed   int64 `json:"conflicts_failed"`
	JobsPaused        int64 `json:"jobs_paused"`
	JobsReassigned    int64 `json:"jobs_reassigned"`
	JobsProcessed     int64 `json:"jobs_processed"`
	JobsAssignedSlots int64 `json:"jobs_assigned_slots"`
	JobsDispatched    int64 `json:"jobs_dispatched"`
	JobsCompleted     int64 `json:"jobs_completed"`
	JobsFailed        int64 `json:"jobs_failed"`
	SchedulingErrors  int64 `json:"scheduling_errors"`

	ActiveWorkflows   int  `json:"active_workflows"`
	CacheSize         int  `json:"cache_size"`
	ConflictsInFlight int  `json:"conflicts_in_flight"`
	ProcessingEnabled bool `json:"processing_enabled"`
}

// Snapshot 读取全部计数
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalEvents:       s.TotalEvents.Load(),
		ConflictsDetected: s.ConflictsDetected.Load(),
		ConflictsResolved: s.ConflictsResolved.Load(),
		ConflictsFailed:   s.ConflictsFailed.Load(),
		JobsPaused:        s.JobsPaused.Load(),
		JobsReassigned:    s.JobsReassigned.Load(),
		JobsProcessed:     s.JobsProcessed.Load(),
		JobsAssignedSlots: s.JobsAssignedSlots.Load(),
		JobsDispatched:    s.JobsDispatched.Load(),
		JobsCompleted:     s.JobsCompleted.Load(),
		JobsFailed:        s.JobsFailed.Load(),
		SchedulingErrors:  s.SchedulingErrors.Load(),
	}
}
