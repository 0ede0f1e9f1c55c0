package rackcache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// countingStore 统计 ListSlots 调用次数
type countingStore struct {
	*store.Memory
	slotReads int32
	delay     time.Duration
}

func (c *countingStore) ListSlots(ctx context.Context, rackID int64) ([]types.Slot, error) {
	atomic.AddInt32(&c.slotReads, 1)
	time.Sleep(c.delay)
	return c.Memory.ListSlots(ctx, rackID)
}

func setup(t *testing.T) (*countingStore, int64) {
	t.Helper()
	s := &countingStore{Memory: store.NewMemory()}
	rackID, err := s.CreateRack(context.Background(), &types.Rack{Name: "R", ShelfCount: 6, ShelfSpacingMm: 80})
	if err != nil {
		t.Fatal(err)
	}
	return s, rackID
}

func TestCache_TTLAndInvalidate(t *testing.T) {
	s, rackID := setup(t)
	c := New(s, 30*time.Second, testLogger)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := c.GetState(ctx, rackID); err != nil {
		t.Fatal(err)
	}
	_, _ = c.GetState(ctx, rackID)
	if n := atomic.LoadInt32(&s.slotReads); n != 1 {
		t.Fatalf("缓存有效期内不应重复读取, 读取 %d 次", n)
	}

	now = now.Add(31 * time.Second)
	_, _ = c.GetState(ctx, rackID)
	if n := atomic.LoadInt32(&s.slotReads); n != 2 {
		t.Fatalf("过期后应刷新, 读取 %d 次", n)
	}

	_, _ = s.UpdateSlot(ctx, rackID, 3, types.PlateEmpty, 0)
	c.Invalidate(rackID)
	st, _ := c.GetState(ctx, rackID)
	if st.Slots[3].Plate != types.PlateEmpty {
		t.Errorf("失效后应读到新状态: %+v", st.Slots[3])
	}
	if c.Size() != 1 {
		t.Errorf("预期缓存 1 个料架, 得到 %d", c.Size())
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("清空后应为 0")
	}
}

func TestCache_CoalescesConcurrentRefresh(t *testing.T) {
	s, rackID := setup(t)
	s.delay = 20 * time.Millisecond
	c := New(s, time.Minute, testLogger)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetState(context.Background(), rackID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&s.slotReads); n != 1 {
		t.Errorf("并发刷新应合并为 1 次读取, 得到 %d", n)
	}
}

func TestCache_HeightsAndReservations(t *testing.T) {
	s, rackID := setup(t)
	ctx := context.Background()

	stored, _ := s.CreateJob(ctx, &types.Job{Item: &types.PrintItem{Measurements: map[string]any{"height_mm": 95.0}}})
	_ = s.UpdateJobStatus(ctx, stored, types.JobCompleted, types.OrchCompleted, "")
	_, _ = s.UpdateSlot(ctx, rackID, 3, types.PlateWithPrint, stored)

	active, _ := s.CreateJob(ctx, &types.Job{AutoStart: true})
	_ = s.SaveAssignment(ctx, active, types.Assignment{RackID: rackID, StoreSlot: 5, GrabSlot: 1})
	_ = s.UpdateJobStatus(ctx, active, types.JobQueued, types.OrchAssigned, "")

	other, _ := s.CreateJob(ctx, &types.Job{AutoStart: true})
	_ = s.SaveAssignment(ctx, other, types.Assignment{RackID: rackID + 100, StoreSlot: 6})
	_ = s.UpdateJobStatus(ctx, other, types.JobQueued, types.OrchAssigned, "")

	c := New(s, time.Minute, testLogger)
	st, err := c.GetState(ctx, rackID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Slots[3].PrintHeightMm != 95 || st.Slots[3].JobID != stored {
		t.Errorf("应推导成品高度: %+v", st.Slots[3])
	}
	if st.Slots[5].ReservedBy != active || st.Slots[1].ReservedBy != active {
		t.Errorf("活跃任务的存放和取板槽位应被预留: 5=%+v 1=%+v", st.Slots[5], st.Slots[1])
	}
	if st.Slots[6].ReservedBy != 0 {
		t.Errorf("其他料架的任务不应影响本料架: %+v", st.Slots[6])
	}

	// 返回的是副本
	st.Slots[4] = st.Slots[3]
	again, _ := c.GetState(ctx, rackID)
	if again.Slots[4].Plate != types.PlateNone {
		t.Errorf("修改快照不应影响缓存")
	}
}

func TestCache_UnknownRack(t *testing.T) {
	s, _ := setup(t)
	c := New(s, time.Minute, testLogger)
	if _, err := c.GetState(context.Background(), 999); err == nil {
		t.Error("不存在的料架应报错")
	}
	if c.Size() != 0 {
		t.Error("失败的读取不应写入缓存")
	}
}
