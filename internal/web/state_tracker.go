package web

import (
	"sort"
	"sync"
	"time"

	"print-farm-orchestrator/internal/types"
)

// JobView 定义了用于 UI 展示的任务状态
// 这是一个简化的视图，只包含前端需要的数据
type JobView struct {
	ID        int64   `json:"id"`
	File      string  `json:"file"`
	Priority  int     `json:"priority"`
	Status    string  `json:"status"`
	Orch      string  `json:"orchestration_status"`
	Phase     string  `json:"phase,omitempty"`
	Step      string  `json:"step,omitempty"`
	PrinterID int64   `json:"printer_id,omitempty"`
	RackID    int64   `json:"rack_id,omitempty"`
	StoreSlot int     `json:"store_slot,omitempty"`
	GrabSlot  int     `json:"grab_slot,omitempty"`
	Clearance float64 `json:"clearance_mm,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Notification 是推送给面板的告警或提示
type Notification struct {
	Type     string    `json:"type"`
	JobID    int64     `json:"job_id,omitempty"`
	RackID   int64     `json:"rack_id,omitempty"`
	Slot     int       `json:"slot,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// GlobalState 代表整个打印农场的实时状态快照
type GlobalState struct {
	Jobs          map[int64]JobView `json:"jobs"`
	Notifications []Notification    `json:"notifications"`
}

// maxNotifications 面板保留的最近通知条数
const maxNotifications = 50

// StateTracker 负责追踪所有任务的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 为 nil 时只记录不广播
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: GlobalState{Jobs: make(map[int64]JobView)},
		hub:   hub,
	}
	if hub != nil {
		hub.OnConnect(func() interface{} { return st.Snapshot() })
	}
	return st
}

// UpsertJob 用存储中的任务刷新视图，保留已有的阶段信息
func (st *StateTracker) UpsertJob(j *types.Job) {
	st.mu.Lock()
	v := st.state.Jobs[j.ID]
	v.ID = j.ID
	v.File = j.FileName()
	v.Priority = j.Priority
	v.Status = string(j.Status)
	v.Orch = string(j.OrchStatus)
	v.PrinterID = j.PrinterID
	v.RackID = j.RackID
	v.StoreSlot = j.StoreSlot
	v.GrabSlot = j.GrabSlot
	v.Clearance = j.ClearanceMm
	v.Message = j.Message
	st.state.Jobs[j.ID] = v
	st.mu.Unlock()
	st.publish()
}

// UpdatePhase 更新任务所处的工作流阶段和步骤
func (st *StateTracker) UpdatePhase(jobID int64, phase, step string) {
	st.mu.Lock()
	v, ok := st.state.Jobs[jobID]
	if !ok {
		v = JobView{ID: jobID}
	}
	if phase != "" {
		v.Phase = phase
	}
	v.Step = step
	st.state.Jobs[jobID] = v
	st.mu.Unlock()
	st.publish()
}

// UpdateStatus 更新任务状态，工作流结束或暂停时调用
func (st *StateTracker) UpdateStatus(jobID int64, status types.JobStatus, orch types.OrchestrationStatus, message string) {
	st.mu.Lock()
	v, ok := st.state.Jobs[jobID]
	if !ok {
		v = JobView{ID: jobID}
	}
	v.Status = string(status)
	v.Orch = string(orch)
	v.Step = ""
	if message != "" {
		v.Message = message
	}
	st.state.Jobs[jobID] = v
	st.mu.Unlock()
	st.publish()
}

// Notify 追加一条通知，超过上限时丢弃最旧的
func (st *StateTracker) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	st.mu.Lock()
	st.state.Notifications = append(st.state.Notifications, n)
	if over := len(st.state.Notifications) - maxNotifications; over > 0 {
		st.state.Notifications = append([]Notification(nil), st.state.Notifications[over:]...)
	}
	st.mu.Unlock()
	if st.hub != nil {
		st.hub.Broadcast(map[string]interface{}{"notification": n})
	}
}

// Job 返回单个任务的视图
func (st *StateTracker) Job(id int64) (JobView, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.state.Jobs[id]
	return v, ok
}

// Jobs 按任务 ID 排序返回全部视图
func (st *StateTracker) Jobs() []JobView {
	st.mu.RLock()
	out := make([]JobView, 0, len(st.state.Jobs))
	for _, v := range st.state.Jobs {
		out = append(out, v)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Snapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) Snapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	newState := GlobalState{
		Jobs:          make(map[int64]JobView, len(st.state.Jobs)),
		Notifications: append([]Notification(nil), st.state.Notifications...),
	}
	for id, v := range st.state.Jobs {
		newState.Jobs[id] = v
	}
	return newState
}

func (st *StateTracker) publish() {
	if st.hub != nil {
		st.hub.Broadcast(st.Snapshot())
	}
}
