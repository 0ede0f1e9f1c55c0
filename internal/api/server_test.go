package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/engine"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/persistence"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
	"print-farm-orchestrator/internal/util"
	"print-farm-orchestrator/internal/web"
)

type fixture struct {
	router    *gin.Engine
	orch      *engine.Orchestrator
	store     *store.Memory
	journal   *persistence.Journal
	rackID    int64
	printerID int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx := context.Background()

	s := store.NewMemory()
	if _, err := s.CreateEjector(ctx, &types.Ejector{Name: "otto-1"}); err != nil {
		t.Fatal(err)
	}
	rackID, err := s.CreateRack(ctx, &types.Rack{Name: "R1", ShelfCount: 6, ShelfSpacingMm: 80})
	if err != nil {
		t.Fatal(err)
	}
	s.UpdateSlot(ctx, rackID, 1, types.PlateEmpty, 0)
	printerID, err := s.CreatePrinter(ctx, &types.Printer{Name: "P1", Brand: "Bambu Lab", Model: "P1S"})
	if err != nil {
		t.Fatal(err)
	}

	printers := device.NewSimPrinters(logger, printerID)
	printers.PrintDuration = func(string) time.Duration { return 10 * time.Millisecond }
	cfg := config.Default()
	cfg.Workflow.PollInterval = 5 * time.Millisecond
	cfg.Workflow.CompletionDelay = 0
	cfg.Workflow.BedSettleDelay = 0
	cfg.Ejector.IdlePollInterval = 2 * time.Millisecond

	bus := event.NewBus()
	orch, err := engine.New(engine.Deps{
		Config: cfg, Store: s, Printers: printers, Ejectors: device.NewSimEjectors(0, logger), Bus: bus, Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	journal, err := persistence.OpenJournal(filepath.Join(t.TempDir(), "alerts.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	router := NewRouter(Deps{
		Orchestrator: orch,
		Store:        s,
		Tracker:      web.NewStateTracker(nil),
		Journal:      journal,
		UploadDir:    filepath.Join(t.TempDir(), "uploads"),
		Logger:       logger,
	})
	return &fixture{router: router, orch: orch, store: s, journal: journal, rackID: rackID, printerID: printerID}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, w.Body.String())
	}
}

func TestCreateAndGetJob(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"file_name": "cube.gcode", "height_mm": 42.5, "priority": 1})
	if w.Code != http.StatusAccepted {
		t.Fatalf("预期 202, 得到 %d: %s", w.Code, w.Body.String())
	}
	var created types.Job
	decode(t, w, &created)
	if created.ID == 0 || created.Status != types.JobQueued || !created.AutoStart {
		t.Errorf("创建结果错误: %+v", created)
	}
	if h, err := types.PrintHeight(created.Item); err != nil || h != 42.5 {
		t.Errorf("高度未保存: %v (%v)", h, err)
	}

	w = f.do(t, http.MethodGet, "/api/jobs/"+itoa(created.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("预期 200, 得到 %d", w.Code)
	}
	if got := w.Header().Get(util.TraceHeader); got == "" {
		t.Errorf("响应应带 Trace ID")
	}

	w = f.do(t, http.MethodGet, "/api/jobs", nil)
	var jobs []types.Job
	decode(t, w, &jobs)
	if len(jobs) != 1 {
		t.Errorf("预期 1 个任务, 得到 %d", len(jobs))
	}
}

func TestCreateJob_Validation(t *testing.T) {
	f := setup(t)
	if w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"priority": 1}); w.Code != http.StatusBadRequest {
		t.Errorf("缺少文件名预期 400, 得到 %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"file_name": "a.gcode", "height_mm": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("负高度预期 400, 得到 %d", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	f := setup(t)
	if w := f.do(t, http.MethodGet, "/api/jobs/999", nil); w.Code != http.StatusNotFound {
		t.Errorf("预期 404, 得到 %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/jobs/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("预期 400, 得到 %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/jobs/999/requeue", nil); w.Code != http.StatusNotFound {
		t.Errorf("预期 404, 得到 %d", w.Code)
	}
}

func TestEditSlot(t *testing.T) {
	f := setup(t)
	path := "/api/racks/" + itoa(f.rackID) + "/slots/4"

	w := f.do(t, http.MethodPut, path, map[string]any{"plate_state": "empty"})
	if w.Code != http.StatusOK {
		t.Fatalf("预期 200, 得到 %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["prev_state"] != "none" || resp["plate_state"] != "empty" {
		t.Errorf("响应错误: %v", resp)
	}

	w = f.do(t, http.MethodGet, "/api/racks/"+itoa(f.rackID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("预期 200, 得到 %d", w.Code)
	}
	var rack struct {
		Slots       []types.Slot   `json:"slots"`
		Utilization map[string]int `json:"utilization"`
	}
	decode(t, w, &rack)
	if len(rack.Slots) != 6 || rack.Slots[3].Plate != types.PlateEmpty {
		t.Errorf("槽位未更新: %+v", rack.Slots)
	}
	if rack.Utilization["empty_plates"] != 2 {
		t.Errorf("使用情况错误: %v", rack.Utilization)
	}
}

func TestEditSlot_Validation(t *testing.T) {
	f := setup(t)
	base := "/api/racks/" + itoa(f.rackID) + "/slots/"
	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown plate", base + "3", map[string]any{"plate_state": "full"}, http.StatusBadRequest},
		{"missing plate", base + "3", map[string]any{}, http.StatusBadRequest},
		{"slot out of range", base + "9", map[string]any{"plate_state": "empty"}, http.StatusBadRequest},
		{"print without job", base + "3", map[string]any{"plate_state": "with_print"}, http.StatusBadRequest},
		{"bad slot", base + "x", map[string]any{"plate_state": "empty"}, http.StatusBadRequest},
		{"unknown rack", "/api/racks/999/slots/3", map[string]any{"plate_state": "empty"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPut, tc.path, tc.body); w.Code != tc.want {
				t.Errorf("预期 %d, 得到 %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestProcessingControls(t *testing.T) {
	f := setup(t)

	f.do(t, http.MethodPost, "/api/processing/disable", nil)
	var stats engine.StatsSnapshot
	decode(t, f.do(t, http.MethodGet, "/api/stats", nil), &stats)
	if stats.ProcessingEnabled {
		t.Errorf("关闭后 processing_enabled 应为 false")
	}

	f.do(t, http.MethodPost, "/api/jobs", map[string]any{"file_name": "cube.gcode", "height_mm": 30})
	w := f.do(t, http.MethodPost, "/api/processing/trigger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("预期 200, 得到 %d", w.Code)
	}
	var resp map[string]int
	decode(t, w, &resp)
	if resp["assigned"] != 1 {
		t.Errorf("手动触发应分配任务: %v", resp)
	}

	f.do(t, http.MethodPost, "/api/processing/enable", nil)
	decode(t, f.do(t, http.MethodGet, "/api/stats", nil), &stats)
	if !stats.ProcessingEnabled || stats.JobsAssignedSlots != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("调度循环未运行时预期 503, 得到 %d", w.Code)
	}

	f.orch.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for !f.orch.Scheduler.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w = f.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("预期 200, 得到 %d: %s", w.Code, w.Body.String())
	}
	var health engine.Health
	decode(t, w, &health)
	if !health.Healthy || !health.Checks["event_listener_active"] {
		t.Errorf("健康检查错误: %+v", health)
	}
}

func TestAlertsAndRequeue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, _ := f.store.CreateJob(ctx, &types.Job{Item: &types.PrintItem{FileName: "cube.gcode"}})
	f.store.UpdateJobStatus(ctx, id, types.JobPaused, types.OrchPaused, engine.PauseReasonPrefix+"no slot")
	if _, err := f.journal.Append(persistence.Alert{JobID: id, Severity: "high", Reason: "no slot"}); err != nil {
		t.Fatal(err)
	}

	var alerts []persistence.Alert
	decode(t, f.do(t, http.MethodGet, "/api/alerts", nil), &alerts)
	if len(alerts) != 1 || alerts[0].JobID != id {
		t.Fatalf("告警错误: %+v", alerts)
	}

	w := f.do(t, http.MethodPost, "/api/jobs/"+itoa(id)+"/requeue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("预期 200, 得到 %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["alerts_acknowledged"] != float64(1) {
		t.Errorf("应确认 1 条告警: %v", resp)
	}
	if j, _ := f.store.GetJob(ctx, id); j.Status != types.JobQueued {
		t.Errorf("任务应重新排队, 得到 %s", j.Status)
	}
	decode(t, f.do(t, http.MethodGet, "/api/alerts", nil), &alerts)
	if len(alerts) != 0 {
		t.Errorf("确认后不应有未处理告警")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("预期 200, 得到 %d", w.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestRequeue_OnlyPausedOrFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := []struct {
		status types.JobStatus
		orch   types.OrchestrationStatus
		want   int
	}{
		{types.JobQueued, types.OrchAssigned, http.StatusConflict},
		{types.JobPrinting, types.OrchEjecting, http.StatusConflict},
		{types.JobCompleted, types.OrchCompleted, http.StatusConflict},
		{types.JobFailed, types.OrchFailed, http.StatusOK},
		{types.JobPaused, types.OrchPaused, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			id, _ := f.store.CreateJob(ctx, &types.Job{Item: &types.PrintItem{FileName: "cube.gcode"}})
			f.store.UpdateJobStatus(ctx, id, tc.status, tc.orch, "")

			w := f.do(t, http.MethodPost, "/api/jobs/"+itoa(id)+"/requeue", nil)
			if w.Code != tc.want {
				t.Fatalf("预期 %d, 得到 %d: %s", tc.want, w.Code, w.Body.String())
			}
			j, _ := f.store.GetJob(ctx, id)
			if tc.want == http.StatusConflict && j.Status != tc.status {
				t.Errorf("被拒绝的请求不应改变任务状态, 得到 %s", j.Status)
			}
			if tc.want == http.StatusOK && j.Status != types.JobQueued {
				t.Errorf("任务应重新排队, 得到 %s", j.Status)
			}
		})
	}

	if w := f.do(t, http.MethodPost, "/api/jobs/9999/requeue", nil); w.Code != http.StatusNotFound {
		t.Errorf("未知任务预期 404, 得到 %d", w.Code)
	}
}

func TestAssignJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, _ := f.store.CreateJob(ctx, &types.Job{
		Item: &types.PrintItem{FileName: "cube.gcode", Measurements: map[string]any{"z": 30.0}},
	})
	path := "/api/jobs/" + itoa(id) + "/assign"

	if w := f.do(t, http.MethodPost, path, map[string]any{"rack_id": f.rackID}); w.Code != http.StatusBadRequest {
		t.Errorf("缺少字段预期 400, 得到 %d", w.Code)
	}

	w := f.do(t, http.MethodPost, path, map[string]any{"printer_id": 99, "rack_id": f.rackID, "store_slot": 9, "grab_slot": 4})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("预期 422, 得到 %d: %s", w.Code, w.Body.String())
	}
	var invalid struct {
		Errors []string `json:"errors"`
	}
	decode(t, w, &invalid)
	if len(invalid.Errors) != 3 {
		t.Errorf("应一次返回打印机、存放槽位和取板槽位三个问题: %v", invalid.Errors)
	}
	if j, _ := f.store.GetJob(ctx, id); j.HasRack() {
		t.Errorf("校验失败不应写入分配")
	}

	w = f.do(t, http.MethodPost, path, map[string]any{"printer_id": f.printerID, "rack_id": f.rackID, "store_slot": 4, "grab_slot": 1})
	if w.Code != http.StatusAccepted {
		t.Fatalf("预期 202, 得到 %d: %s", w.Code, w.Body.String())
	}
	var job types.Job
	decode(t, w, &job)
	if job.StoreSlot != 4 || job.GrabSlot != 1 || job.Reason != "manual_assignment" || job.OrchStatus != types.OrchAssigned {
		t.Errorf("分配结果错误: %+v", job)
	}

	if w := f.do(t, http.MethodPost, path, map[string]any{"printer_id": f.printerID, "rack_id": f.rackID, "store_slot": 5, "grab_slot": 1}); w.Code != http.StatusConflict {
		t.Errorf("已分配的任务预期 409, 得到 %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/jobs/9999/assign", map[string]any{"printer_id": f.printerID, "rack_id": f.rackID, "store_slot": 4}); w.Code != http.StatusNotFound {
		t.Errorf("未知任务预期 404, 得到 %d", w.Code)
	}
}

func (f *fixture) upload(t *testing.T, name, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestUploadJob(t *testing.T) {
	f := setup(t)
	header := "; total filament weight [g] : 12.5\n; max_z_height: 48.2\n; filament_type = PETG\nG28\n"

	w := f.upload(t, "benchy.gcode", header, map[string]string{"priority": "2", "auto_start": "false"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("预期 202, 得到 %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Job types.Job `json:"job"`
	}
	decode(t, w, &resp)
	j, err := f.store.GetJob(context.Background(), resp.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h, err := types.PrintHeight(j.Item); err != nil || h != 48.2 {
		t.Errorf("高度应从文件头读取: %v (%v)", h, err)
	}
	if j.Item.FileName != "benchy.gcode" || j.Item.Material != "PETG" || j.Priority != 2 || j.AutoStart {
		t.Errorf("任务字段错误: %+v %+v", j, j.Item)
	}
	if _, err := os.Stat(j.Item.FileLocation); err != nil {
		t.Errorf("上传的文件应被保存: %v", err)
	}
}

func TestUploadJob_Validation(t *testing.T) {
	f := setup(t)
	cases := []struct {
		name    string
		file    string
		content string
		fields  map[string]string
	}{
		{"missing file", "", "", nil},
		{"unsupported type", "cube.stl", "solid", nil},
		{"bad priority", "cube.gcode", "G28\n", map[string]string{"priority": "high"}},
		{"broken 3mf", "cube.3mf", "not a zip", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.upload(t, tc.file, tc.content, tc.fields); w.Code != http.StatusBadRequest {
				t.Errorf("预期 400, 得到 %d: %s", w.Code, w.Body.String())
			}
		})
	}
	if jobs, _ := f.store.ListJobs(context.Background()); len(jobs) != 0 {
		t.Errorf("校验失败不应创建任务, 得到 %d 个", len(jobs))
	}
}
