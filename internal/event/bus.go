package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"print-farm-orchestrator/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	RackChanged       EventType = "RackChanged"       // 料架槽位状态变化
	JobAssigned       EventType = "JobAssigned"       // 任务已分配打印机和槽位
	WorkflowStarted   EventType = "WorkflowStarted"   // 任务流程开始
	PhaseChanged      EventType = "PhaseChanged"      // 流程阶段切换
	StepStarted       EventType = "StepStarted"       // 执行器命令开始
	StepCompleted     EventType = "StepCompleted"     // 执行器命令结束
	WorkflowCompleted EventType = "WorkflowCompleted" // 成品已入库
	WorkflowFailed    EventType = "WorkflowFailed"    // 流程失败
	ConflictDetected  EventType = "ConflictDetected"  // 人工改动影响了活跃任务
	ConflictResolved  EventType = "ConflictResolved"  // 冲突已自动解决
	JobPaused         EventType = "JobPaused"         // 冲突无法解决，需要人工处理
)

// Trigger 标识料架变化的来源
type Trigger string

const (
	TriggeredByOrchestrator Trigger = "orchestrator" // 编排器自身写入，冲突检测忽略
	TriggeredByManual       Trigger = "manual_api"   // 操作员通过接口修改
	TriggeredBySensor       Trigger = "sensor"       // 设备上报
)

// Severity 是通知的严重程度
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityHigh Severity = "high"
)

// Event 结构体定义了事件的数据负载
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	JobID     int64 `json:"job_id,omitempty"`
	RackID    int64 `json:"rack_id,omitempty"`
	PrinterID int64 `json:"printer_id,omitempty"`

	// 料架变化 (仅 RackChanged)
	Slot        int              `json:"slot,omitempty"`
	PrevState   types.PlateState `json:"prev_state,omitempty"`
	NewState    types.PlateState `json:"new_state,omitempty"`
	TriggeredBy Trigger          `json:"triggered_by,omitempty"`

	Phase    string        `json:"phase,omitempty"` // 流程阶段
	Step     string        `json:"step,omitempty"`  // 执行器步骤名
	Duration time.Duration `json:"duration,omitempty"`

	Severity Severity `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    error    `json:"-"` // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription // 存储事件类型到多个处理函数的映射
	nextID   uint64
	inflight sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe 订阅一个特定类型的事件，返回取消订阅函数
func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeAll 为多个事件类型注册同一个处理器
func (b *Bus) SubscribeAll(handler Handler, eventTypes ...EventType) (unsubscribe func()) {
	cancels := make([]func(), 0, len(eventTypes))
	for _, t := range eventTypes {
		cancels = append(cancels, b.Subscribe(t, handler))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, s := range handlers {
			b.inflight.Add(1)
			go func(h Handler) {
				defer b.inflight.Done()
				h(e)
			}(s.handler)
		}
	}
}

// Drain 等待所有已分发的处理器执行结束
func (b *Bus) Drain() {
	b.inflight.Wait()
}

// SubscriberCount 返回某类事件的订阅者数量
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
