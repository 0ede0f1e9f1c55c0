// Package rackcache 缓存每个料架的槽位快照，并推导成品高度和活跃任务的预留。
package rackcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"print-farm-orchestrator/internal/planner"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
)

// DefaultTTL 是快照的最长缓存时间
const DefaultTTL = 30 * time.Second

type entry struct {
	state   planner.RackState
	fetched time.Time
}

// Cache 料架状态缓存，并发安全，写入后由调用方 Invalidate
type Cache struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[int64]entry
	group   singleflight.Group
}

// New 创建缓存，ttl <= 0 时使用 DefaultTTL
func New(s store.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   s,
		ttl:     ttl,
		logger:  logger.With("component", "rack_cache"),
		now:     time.Now,
		entries: make(map[int64]entry),
	}
}

// SetClock 替换时钟，仅用于测试
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// GetState 返回料架快照，缓存过期或失效时从存储刷新
// 同一料架的并发刷新只会访问一次存储
func (c *Cache) GetState(ctx context.Context, rackID int64) (planner.RackState, error) {
	c.mu.RLock()
	e, ok := c.entries[rackID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetched) < c.ttl {
		return e.state.Clone(), nil
	}
	return c.Refresh(ctx, rackID)
}

// Refresh 忽略缓存直接从存储读取
func (c *Cache) Refresh(ctx context.Context, rackID int64) (planner.RackState, error) {
	v, err, _ := c.group.Do(strconv.FormatInt(rackID, 10), func() (interface{}, error) {
		state, err := c.load(ctx, rackID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[rackID] = entry{state: state, fetched: c.now()}
		c.mu.Unlock()
		return state, nil
	})
	if err != nil {
		return planner.RackState{}, err
	}
	return v.(planner.RackState).Clone(), nil
}

// Invalidate 使某个料架的快照失效
func (c *Cache) Invalidate(rackID int64) {
	c.mu.Lock()
	delete(c.entries, rackID)
	c.mu.Unlock()
}

// Clear 清空全部快照
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[int64]entry)
	c.mu.Unlock()
}

// Size 返回缓存的料架数量
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// load 组装快照: 槽位状态 + 成品高度 + 活跃任务的存放/取板预留
func (c *Cache) load(ctx context.Context, rackID int64) (planner.RackState, error) {
	rack, err := c.store.GetRack(ctx, rackID)
	if err != nil {
		return planner.RackState{}, err
	}
	slots, err := c.store.ListSlots(ctx, rackID)
	if err != nil {
		return planner.RackState{}, fmt.Errorf("读取料架 %d 槽位失败: %w", rackID, err)
	}

	state := planner.RackState{
		RackID:     rack.ID,
		ShelfCount: rack.ShelfCount,
		SpacingMm:  rack.ShelfSpacingMm,
		Slots:      make(map[int]planner.SlotState, len(slots)),
	}
	for _, s := range slots {
		ss := planner.SlotState{Plate: s.Plate, JobID: s.JobID}
		if s.Plate == types.PlateWithPrint && s.JobID != 0 {
			ss.PrintHeightMm = c.occupantHeight(ctx, rackID, s)
		}
		state.Slots[s.Number] = ss
	}

	active, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return planner.RackState{}, fmt.Errorf("读取活跃任务失败: %w", err)
	}
	for _, j := range active {
		if j.RackID != rackID {
			continue
		}
		for _, n := range []int{j.StoreSlot, j.GrabSlot} {
			if n == 0 {
				continue
			}
			if s, ok := state.Slots[n]; ok && s.ReservedBy == 0 {
				s.ReservedBy = j.ID
				state.Slots[n] = s
			}
		}
	}
	return state, nil
}

// occupantHeight 查询占用槽位的任务高度，查不到时按 0 处理
func (c *Cache) occupantHeight(ctx context.Context, rackID int64, s types.Slot) float64 {
	j, err := c.store.GetJob(ctx, s.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("读取占用任务失败", "rack_id", rackID, "slot", s.Number, "job_id", s.JobID, "error", err)
		}
		return 0
	}
	h, err := types.PrintHeight(j.Item)
	if err != nil {
		c.logger.Debug("占用任务缺少高度", "rack_id", rackID, "slot", s.Number, "job_id", s.JobID)
		return 0
	}
	return h
}
