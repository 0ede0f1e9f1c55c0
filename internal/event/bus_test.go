package event

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(RackChanged, func(e Event) { got <- e })

	bus.Publish(Event{Type: RackChanged, RackID: 2, Slot: 4, NewState: "with_print", TriggeredBy: TriggeredByManual})

	select {
	case e := <-got:
		if e.RackID != 2 || e.Slot != 4 {
			t.Errorf("事件内容错误: %+v", e)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("发布时应补齐 ID 和时间戳: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus()
	var count int32
	bus.Subscribe(JobAssigned, func(Event) { atomic.AddInt32(&count, 1) })

	bus.Publish(Event{Type: RackChanged})
	bus.Publish(Event{Type: JobAssigned})
	bus.Drain()

	if c := atomic.LoadInt32(&count); c != 1 {
		t.Errorf("预期 1 次调用, 得到 %d", c)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	var a, b int32
	unsubA := bus.Subscribe(RackChanged, func(Event) { atomic.AddInt32(&a, 1) })
	bus.Subscribe(RackChanged, func(Event) { atomic.AddInt32(&b, 1) })

	bus.Publish(Event{Type: RackChanged})
	bus.Drain()
	unsubA()
	unsubA() // 重复取消无副作用
	bus.Publish(Event{Type: RackChanged})
	bus.Drain()

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 2 {
		t.Errorf("取消订阅后不应再收到事件: a=%d b=%d", a, b)
	}
	if n := bus.SubscriberCount(RackChanged); n != 1 {
		t.Errorf("预期剩余 1 个订阅者, 得到 %d", n)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	var count int32
	cancel := bus.SubscribeAll(func(Event) { atomic.AddInt32(&count, 1) }, WorkflowCompleted, WorkflowFailed)

	bus.Publish(Event{Type: WorkflowCompleted})
	bus.Publish(Event{Type: WorkflowFailed})
	bus.Drain()
	cancel()
	bus.Publish(Event{Type: WorkflowFailed})
	bus.Drain()

	if c := atomic.LoadInt32(&count); c != 2 {
		t.Errorf("预期 2 次调用, 得到 %d", c)
	}
}
