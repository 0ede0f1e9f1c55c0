package fsm

import (
	"fmt"
	"log/slog"
	"sync"
)

// State 定义流程阶段
type State string

// Event 定义触发阶段切换的事件
type Event string

const (
	StateAssigned       State = "assigned"
	StatePrePrint       State = "pre_print" // 取板、装板
	StateReadyToPrint   State = "ready_to_print"
	StatePrinting       State = "printing" // 打印并监控
	StatePrintCompleted State = "print_completed"
	StatePostPrint      State = "post_print" // 退板、入库
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

const (
	EventPrepare    Event = "PREPARE"
	EventReady      Event = "READY"
	EventStartPrint Event = "START_PRINT"
	EventPrintDone  Event = "PRINT_DONE"
	EventEject      Event = "EJECT"
	EventStored     Event = "STORED"
	EventFail       Event = "FAIL"
)

// FSM 有限状态机，只允许向前推进，非终态可以随时失败
type FSM struct {
	current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义状态变更后的回调: State -> func()
	callbacks map[State]func(targetID string)
	TargetID  string // 关联的目标对象ID（任务ID）
	logger    *slog.Logger
}

func NewFSM(targetID string, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	fsm := &FSM{
		current:     StateAssigned,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
		logger:      logger,
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateAssigned, EventPrepare, StatePrePrint)
	f.addTransition(StatePrePrint, EventReady, StateReadyToPrint)
	f.addTransition(StateReadyToPrint, EventStartPrint, StatePrinting)
	f.addTransition(StatePrinting, EventPrintDone, StatePrintCompleted)
	f.addTransition(StatePrintCompleted, EventEject, StatePostPrint)
	f.addTransition(StatePostPrint, EventStored, StateCompleted)

	for _, s := range []State{StateAssigned, StatePrePrint, StateReadyToPrint, StatePrinting, StatePrintCompleted, StatePostPrint} {
		f.addTransition(s, EventFail, StateFailed)
	}
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(targetID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Current 返回当前阶段
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Terminal 判断是否已进入终态
func (f *FSM) Terminal() bool {
	s := f.Current()
	return s == StateCompleted || s == StateFailed
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()

	// 查找合法的转移
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, cur)
	}

	prevState := f.current
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	f.logger.Debug("阶段切换", "target", f.TargetID, "from", prevState, "to", nextState, "event", event)

	// 回调在锁外执行，回调中可以再次读取状态
	if cb != nil {
		cb(f.TargetID)
	}
	return nil
}
