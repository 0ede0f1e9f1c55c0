package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"print-farm-orchestrator/internal/types"
)

// SQLite 是基于 SQLite 的 Store 实现
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// SQLite 单写者，避免 database is locked
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) runMigrations() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ejectors (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		device_name TEXT NOT NULL,
		ip_address  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS racks (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT NOT NULL,
		shelf_count      INTEGER NOT NULL,
		shelf_spacing_mm REAL NOT NULL,
		bed_size         TEXT NOT NULL DEFAULT '',
		ejector_id       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS rack_slots (
		rack_id      INTEGER NOT NULL REFERENCES racks(id),
		slot_number  INTEGER NOT NULL,
		plate_state  TEXT NOT NULL DEFAULT 'none',    -- none|empty|with_print
		print_job_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (rack_id, slot_number)
	);

	CREATE TABLE IF NOT EXISTS printers (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL,
		brand           TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		ip_address      TEXT NOT NULL DEFAULT '',
		has_build_plate INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS print_jobs (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name              TEXT NOT NULL DEFAULT '',
		file_location          TEXT NOT NULL DEFAULT '',
		material               TEXT NOT NULL DEFAULT '',
		measurements_json      TEXT NOT NULL DEFAULT '',
		priority               INTEGER NOT NULL DEFAULT 0,
		auto_start             INTEGER NOT NULL DEFAULT 1,
		status                 TEXT NOT NULL,          -- QUEUED|PRINTING|COMPLETED|FAILED|PAUSED
		orchestration_status   TEXT NOT NULL,
		printer_id             INTEGER NOT NULL DEFAULT 0,
		assigned_rack_id       INTEGER NOT NULL DEFAULT 0,
		assigned_store_slot    INTEGER NOT NULL DEFAULT 0,
		assigned_grab_slot     INTEGER NOT NULL DEFAULT 0,
		effective_clearance_mm REAL NOT NULL DEFAULT 0,
		slot_assignment_reason TEXT NOT NULL DEFAULT '',
		status_message         TEXT NOT NULL DEFAULT '',
		submitted_at           DATETIME NOT NULL,
		started_at             DATETIME,
		completed_at           DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue ON print_jobs(status, priority, submitted_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, file_name, file_location, material, measurements_json, priority, auto_start,
	status, orchestration_status, printer_id, assigned_rack_id, assigned_store_slot, assigned_grab_slot,
	effective_clearance_mm, slot_assignment_reason, status_message, submitted_at, started_at, completed_at`

const queueOrder = ` ORDER BY priority ASC, submitted_at ASC, id ASC`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*types.Job, error) {
	var (
		j                  types.Job
		item               types.PrintItem
		measurements       string
		started, completed sql.NullTime
	)
	if err := row.Scan(&j.ID, &item.FileName, &item.FileLocation, &item.Material, &measurements, &j.Priority, &j.AutoStart,
		&j.Status, &j.OrchStatus, &j.PrinterID, &j.RackID, &j.StoreSlot, &j.GrabSlot,
		&j.ClearanceMm, &j.Reason, &j.Message, &j.SubmittedAt, &started, &completed); err != nil {
		return nil, err
	}
	m, err := types.ParseMeasurements(measurements)
	if err != nil {
		return nil, fmt.Errorf("任务 %d 的测量数据损坏: %w", j.ID, err)
	}
	item.ID = j.ID
	item.Measurements = m
	j.Item = &item
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateJob(ctx context.Context, j *types.Job) (int64, error) {
	var item types.PrintItem
	if j.Item != nil {
		item = *j.Item
	}
	measurements := ""
	if len(item.Measurements) > 0 {
		b, err := json.Marshal(item.Measurements)
		if err != nil {
			return 0, err
		}
		measurements = string(b)
	}
	status, orch := j.Status, j.OrchStatus
	if status == "" {
		status = types.JobQueued
	}
	if orch == "" {
		orch = types.OrchUnassigned
	}
	submitted := j.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO print_jobs (file_name, file_location, material, measurements_json, priority, auto_start,
	status, orchestration_status, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.FileName, item.FileLocation, item.Material, measurements, j.Priority, j.AutoStart,
		status, orch, submitted.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("任务 %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *SQLite) ListJobs(ctx context.Context) ([]*types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM print_jobs ORDER BY id ASC`)
}

func (s *SQLite) ListQueuedUnassigned(ctx context.Context, limit int) ([]*types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM print_jobs
WHERE status = ? AND auto_start = 1 AND assigned_rack_id = 0`+queueOrder+` LIMIT ?`, types.JobQueued, sqlLimit(limit))
}

func (s *SQLite) ListUpcoming(ctx context.Context, excludeID int64, limit int) ([]*types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM print_jobs
WHERE status = ? AND id != ?`+queueOrder+` LIMIT ?`, types.JobQueued, excludeID, sqlLimit(limit))
}

func (s *SQLite) ListActiveJobs(ctx context.Context) ([]*types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM print_jobs
WHERE status IN (?, ?) AND assigned_rack_id != 0`+queueOrder, types.JobQueued, types.JobPrinting)
}

// sqlLimit 把 0 或负数转换为 SQLite 的 "不限制"
func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func (s *SQLite) CountQueued(ctx context.Context, excludeID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM print_jobs WHERE status = ? AND id != ?`, types.JobQueued, excludeID).Scan(&n)
	return n, err
}

// exec 执行写操作，影响行数为 0 时返回 ErrNotFound
func (s *SQLite) exec(ctx context.Context, what string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) SaveAssignment(ctx context.Context, jobID int64, a types.Assignment) error {
	return s.exec(ctx, "任务", jobID, `
UPDATE print_jobs
SET printer_id = ?, assigned_rack_id = ?, assigned_store_slot = ?, assigned_grab_slot = ?,
	effective_clearance_mm = ?, slot_assignment_reason = ?
WHERE id = ?`, a.PrinterID, a.RackID, a.StoreSlot, a.GrabSlot, a.ClearanceMm, a.Reason, jobID)
}

func (s *SQLite) UpdateJobStatus(ctx context.Context, jobID int64, status types.JobStatus, orch types.OrchestrationStatus, message string) error {
	now := time.Now().UTC()
	var started, completed any
	switch status {
	case types.JobPrinting:
		started = now
	case types.JobCompleted, types.JobFailed:
		completed = now
	}
	return s.exec(ctx, "任务", jobID, `
UPDATE print_jobs
SET status = ?, orchestration_status = ?, status_message = ?,
	started_at = COALESCE(started_at, ?),
	completed_at = COALESCE(?, completed_at)
WHERE id = ?`, status, orch, message, started, completed, jobID)
}

func (s *SQLite) RequeueJob(ctx context.Context, jobID int64) error {
	return s.exec(ctx, "任务", jobID, `
UPDATE print_jobs
SET status = ?, orchestration_status = ?, printer_id = 0, assigned_rack_id = 0, assigned_store_slot = 0,
	assigned_grab_slot = 0, effective_clearance_mm = 0, slot_assignment_reason = '', status_message = '',
	started_at = NULL, completed_at = NULL
WHERE id = ?`, types.JobQueued, types.OrchUnassigned, jobID)
}

func (s *SQLite) CreateRack(ctx context.Context, r *types.Rack) (int64, error) {
	if r.ShelfCount <= 0 || r.ShelfSpacingMm <= 0 {
		return 0, fmt.Errorf("料架层数和层间距必须大于 0")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO racks (name, shelf_count, shelf_spacing_mm, bed_size, ejector_id) VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.ShelfCount, r.ShelfSpacingMm, r.BedSize, r.EjectorID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for n := 1; n <= r.ShelfCount; n++ {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rack_slots (rack_id, slot_number, plate_state) VALUES (?, ?, ?)`,
			id, n, types.PlateNone); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

func (s *SQLite) GetRack(ctx context.Context, id int64) (types.Rack, error) {
	var r types.Rack
	err := s.db.QueryRowContext(ctx, `SELECT id, name, shelf_count, shelf_spacing_mm, bed_size, ejector_id FROM racks WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.ShelfCount, &r.ShelfSpacingMm, &r.BedSize, &r.EjectorID)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("料架 %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *SQLite) ListRacks(ctx context.Context) ([]types.Rack, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, shelf_count, shelf_spacing_mm, bed_size, ejector_id FROM racks ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Rack
	for rows.Next() {
		var r types.Rack
		if err := rows.Scan(&r.ID, &r.Name, &r.ShelfCount, &r.ShelfSpacingMm, &r.BedSize, &r.EjectorID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ListSlots(ctx context.Context, rackID int64) ([]types.Slot, error) {
	if _, err := s.GetRack(ctx, rackID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT rack_id, slot_number, plate_state, print_job_id FROM rack_slots WHERE rack_id = ? ORDER BY slot_number ASC`, rackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Slot
	for rows.Next() {
		var sl types.Slot
		if err := rows.Scan(&sl.RackID, &sl.Number, &sl.Plate, &sl.JobID); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateSlot(ctx context.Context, rackID int64, number int, plate types.PlateState, jobID int64) (types.Slot, error) {
	r, err := s.GetRack(ctx, rackID)
	if err != nil {
		return types.Slot{}, err
	}
	if err := validateSlotWrite(r, number, plate, jobID); err != nil {
		return types.Slot{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Slot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prev := types.Slot{RackID: rackID, Number: number}
	err = tx.QueryRowContext(ctx, `SELECT plate_state, print_job_id FROM rack_slots WHERE rack_id = ? AND slot_number = ?`, rackID, number).
		Scan(&prev.Plate, &prev.JobID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return types.Slot{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO rack_slots (rack_id, slot_number, plate_state, print_job_id) VALUES (?, ?, ?, ?)
ON CONFLICT(rack_id, slot_number) DO UPDATE SET plate_state = excluded.plate_state, print_job_id = excluded.print_job_id`,
		rackID, number, plate, jobID); err != nil {
		return types.Slot{}, err
	}
	return prev, tx.Commit()
}

func (s *SQLite) CreatePrinter(ctx context.Context, p *types.Printer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO printers (name, brand, model, ip_address, has_build_plate) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Brand, p.Model, p.Address, p.HasPlate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetPrinter(ctx context.Context, id int64) (types.Printer, error) {
	var p types.Printer
	err := s.db.QueryRowContext(ctx, `SELECT id, name, brand, model, ip_address, has_build_plate FROM printers WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Brand, &p.Model, &p.Address, &p.HasPlate)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("打印机 %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLite) ListPrinters(ctx context.Context) ([]types.Printer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, brand, model, ip_address, has_build_plate FROM printers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Printer
	for rows.Next() {
		var p types.Printer
		if err := rows.Scan(&p.ID, &p.Name, &p.Brand, &p.Model, &p.Address, &p.HasPlate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) SetPrinterHasPlate(ctx context.Context, id int64, hasPlate bool) error {
	return s.exec(ctx, "打印机", id, `UPDATE printers SET has_build_plate = ? WHERE id = ?`, hasPlate, id)
}

func (s *SQLite) CreateEjector(ctx context.Context, e *types.Ejector) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO ejectors (device_name, ip_address) VALUES (?, ?)`, e.Name, e.Address)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) ListEjectors(ctx context.Context) ([]types.Ejector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_name, ip_address FROM ejectors ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Ejector
	for rows.Next() {
		var e types.Ejector
		if err := rows.Scan(&e.ID, &e.Name, &e.Address); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) EjectorForRack(ctx context.Context, rackID int64) (types.Ejector, error) {
	r, err := s.GetRack(ctx, rackID)
	if err != nil {
		return types.Ejector{}, err
	}
	var e types.Ejector
	if r.EjectorID != 0 {
		err = s.db.QueryRowContext(ctx, `SELECT id, device_name, ip_address FROM ejectors WHERE id = ?`, r.EjectorID).Scan(&e.ID, &e.Name, &e.Address)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT id, device_name, ip_address FROM ejectors ORDER BY id ASC LIMIT 1`).Scan(&e.ID, &e.Name, &e.Address)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("料架 %d 没有可用的取板机: %w", rackID, ErrNotFound)
	}
	return e, err
}

func (s *SQLite) PrinterAddress(ctx context.Context, printerID int64) (string, error) {
	p, err := s.GetPrinter(ctx, printerID)
	if err != nil {
		return "", err
	}
	return p.Address, nil
}

func (s *SQLite) EjectorAddress(ctx context.Context, ejectorID int64) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, `SELECT ip_address FROM ejectors WHERE id = ?`, ejectorID).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("取板机 %d: %w", ejectorID, ErrNotFound)
	}
	return addr, err
}
