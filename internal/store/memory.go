package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"print-farm-orchestrator/internal/types"
)

type slotKey struct {
	rack int64
	num  int
}

// Memory 是基于内存的 Store，用于模拟模式和测试
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	jobs     map[int64]*types.Job
	racks    map[int64]types.Rack
	slots    map[slotKey]types.Slot
	printers map[int64]types.Printer
	ejectors map[int64]types.Ejector
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[int64]*types.Job),
		racks:    make(map[int64]types.Rack),
		slots:    make(map[slotKey]types.Slot),
		printers: make(map[int64]types.Printer),
		ejectors: make(map[int64]types.Ejector),
		now:      time.Now,
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// copyJob 返回深拷贝，调用方修改返回值不会影响存储
func copyJob(j *types.Job) *types.Job {
	c := *j
	if j.Item != nil {
		item := *j.Item
		if j.Item.Measurements != nil {
			item.Measurements = make(map[string]any, len(j.Item.Measurements))
			for k, v := range j.Item.Measurements {
				item.Measurements[k] = v
			}
		}
		c.Item = &item
	}
	return &c
}

func (m *Memory) CreateJob(_ context.Context, j *types.Job) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyJob(j)
	c.ID = m.id()
	if c.Status == "" {
		c.Status = types.JobQueued
	}
	if c.OrchStatus == "" {
		c.OrchStatus = types.OrchUnassigned
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = m.now()
	}
	if c.Item != nil && c.Item.ID == 0 {
		c.Item.ID = m.id()
	}
	m.jobs[c.ID] = c
	return c.ID, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("任务 %d: %w", id, ErrNotFound)
	}
	return copyJob(j), nil
}

func (m *Memory) filterJobs(keep func(*types.Job) bool) []*types.Job {
	var out []*types.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return lessQueued(out[i], out[k]) })
	return out
}

func limit(jobs []*types.Job, n int) []*types.Job {
	if n > 0 && len(jobs) > n {
		return jobs[:n]
	}
	return jobs
}

func (m *Memory) ListJobs(_ context.Context) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterJobs(func(*types.Job) bool { return true })
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) ListQueuedUnassigned(_ context.Context, n int) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limit(m.filterJobs(func(j *types.Job) bool {
		return j.Status == types.JobQueued && j.AutoStart && j.RackID == 0
	}), n), nil
}

func (m *Memory) ListUpcoming(_ context.Context, excludeID int64, n int) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limit(m.filterJobs(func(j *types.Job) bool {
		return j.Status == types.JobQueued && j.ID != excludeID
	}), n), nil
}

func (m *Memory) ListActiveJobs(_ context.Context) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterJobs(isActive), nil
}

func (m *Memory) CountQueued(_ context.Context, excludeID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == types.JobQueued && j.ID != excludeID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveAssignment(_ context.Context, jobID int64, a types.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("任务 %d: %w", jobID, ErrNotFound)
	}
	j.PrinterID = a.PrinterID
	j.RackID = a.RackID
	j.StoreSlot = a.StoreSlot
	j.GrabSlot = a.GrabSlot
	j.ClearanceMm = a.ClearanceMm
	j.Reason = a.Reason
	return nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, jobID int64, status types.JobStatus, orch types.OrchestrationStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("任务 %d: %w", jobID, ErrNotFound)
	}
	now := m.now()
	j.Status = status
	j.OrchStatus = orch
	j.Message = message
	switch status {
	case types.JobPrinting:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case types.JobCompleted, types.JobFailed:
		j.CompletedAt = &now
	}
	return nil
}

func (m *Memory) RequeueJob(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("任务 %d: %w", jobID, ErrNotFound)
	}
	j.Status = types.JobQueued
	j.OrchStatus = types.OrchUnassigned
	j.PrinterID, j.RackID, j.StoreSlot, j.GrabSlot = 0, 0, 0, 0
	j.ClearanceMm = 0
	j.Reason, j.Message = "", ""
	j.StartedAt, j.CompletedAt = nil, nil
	return nil
}

func (m *Memory) CreateRack(_ context.Context, r *types.Rack) (int64, error) {
	if r.ShelfCount <= 0 || r.ShelfSpacingMm <= 0 {
		return 0, fmt.Errorf("料架层数和层间距必须大于 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	c.ID = m.id()
	m.racks[c.ID] = c
	for n := 1; n <= c.ShelfCount; n++ {
		m.slots[slotKey{c.ID, n}] = types.Slot{RackID: c.ID, Number: n, Plate: types.PlateNone}
	}
	return c.ID, nil
}

func (m *Memory) GetRack(_ context.Context, id int64) (types.Rack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.racks[id]
	if !ok {
		return types.Rack{}, fmt.Errorf("料架 %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ListRacks(_ context.Context) ([]types.Rack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Rack, 0, len(m.racks))
	for _, r := range m.racks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) ListSlots(_ context.Context, rackID int64) ([]types.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.racks[rackID]
	if !ok {
		return nil, fmt.Errorf("料架 %d: %w", rackID, ErrNotFound)
	}
	out := make([]types.Slot, 0, r.ShelfCount)
	for n := 1; n <= r.ShelfCount; n++ {
		out = append(out, m.slots[slotKey{rackID, n}])
	}
	return out, nil
}

func (m *Memory) UpdateSlot(_ context.Context, rackID int64, number int, plate types.PlateState, jobID int64) (types.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.racks[rackID]
	if !ok {
		return types.Slot{}, fmt.Errorf("料架 %d: %w", rackID, ErrNotFound)
	}
	if err := validateSlotWrite(r, number, plate, jobID); err != nil {
		return types.Slot{}, err
	}
	key := slotKey{rackID, number}
	prev := m.slots[key]
	m.slots[key] = types.Slot{RackID: rackID, Number: number, Plate: plate, JobID: jobID}
	return prev, nil
}

func (m *Memory) CreatePrinter(_ context.Context, p *types.Printer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	c.ID = m.id()
	m.printers[c.ID] = c
	return c.ID, nil
}

func (m *Memory) GetPrinter(_ context.Context, id int64) (types.Printer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.printers[id]
	if !ok {
		return types.Printer{}, fmt.Errorf("打印机 %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListPrinters(_ context.Context) ([]types.Printer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Printer, 0, len(m.printers))
	for _, p := range m.printers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) SetPrinterHasPlate(_ context.Context, id int64, hasPlate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.printers[id]
	if !ok {
		return fmt.Errorf("打印机 %d: %w", id, ErrNotFound)
	}
	p.HasPlate = hasPlate
	m.printers[id] = p
	return nil
}

func (m *Memory) CreateEjector(_ context.Context, e *types.Ejector) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	c.ID = m.id()
	m.ejectors[c.ID] = c
	return c.ID, nil
}

func (m *Memory) ListEjectors(_ context.Context) ([]types.Ejector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Ejector, 0, len(m.ejectors))
	for _, e := range m.ejectors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) EjectorForRack(ctx context.Context, rackID int64) (types.Ejector, error) {
	r, err := m.GetRack(ctx, rackID)
	if err != nil {
		return types.Ejector{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r.EjectorID != 0 {
		if e, ok := m.ejectors[r.EjectorID]; ok {
			return e, nil
		}
		return types.Ejector{}, fmt.Errorf("取板机 %d: %w", r.EjectorID, ErrNotFound)
	}
	var first *types.Ejector
	for _, e := range m.ejectors {
		e := e
		if first == nil || e.ID < first.ID {
			first = &e
		}
	}
	if first == nil {
		return types.Ejector{}, fmt.Errorf("料架 %d 没有可用的取板机: %w", rackID, ErrNotFound)
	}
	return *first, nil
}

func (m *Memory) PrinterAddress(ctx context.Context, printerID int64) (string, error) {
	p, err := m.GetPrinter(ctx, printerID)
	if err != nil {
		return "", err
	}
	return p.Address, nil
}

func (m *Memory) EjectorAddress(_ context.Context, ejectorID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ejectors[ejectorID]
	if !ok {
		return "", fmt.Errorf("取板机 %d: %w", ejectorID, ErrNotFound)
	}
	return e.Address, nil
}

func (m *Memory) Close() error { return nil }
