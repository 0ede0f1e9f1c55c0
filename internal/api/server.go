// Package api 提供编排器的 HTTP 接口: 健康检查、统计、任务提交、槽位人工修改和调度开关。
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"print-farm-orchestrator/internal/engine"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/gcode"
	"print-farm-orchestrator/internal/persistence"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/types"
	"print-farm-orchestrator/internal/util"
	"print-farm-orchestrator/internal/web"
)

// Deps 是 HTTP 层依赖的组件，Hub 和 Journal 可以为空
// UploadDir 为空时不提供文件上传接口
type Deps struct {
	Orchestrator *engine.Orchestrator
	Store        store.Store
	Tracker      *web.StateTracker
	Hub          *web.Hub
	Journal      *persistence.Journal
	UploadDir    string
	Logger       *slog.Logger
}

type handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter 注册所有路由
func NewRouter(d Deps) *gin.Engine {
	h := &handler{Deps: d, logger: d.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if d.Hub != nil {
		r.GET("/ws", gin.WrapF(d.Hub.ServeWs))
	}

	api := r.Group("/api")
	api.GET("/stats", h.stats)
	api.GET("/state", h.state)
	api.GET("/alerts", h.alerts)

	api.GET("/jobs", h.listJobs)
	api.POST("/jobs", h.createJob)
	if d.UploadDir != "" {
		api.POST("/jobs/upload", h.uploadJob)
	}
	api.GET("/jobs/:id", h.getJob)
	api.POST("/jobs/:id/requeue", h.requeueJob)
	api.POST("/jobs/:id/assign", h.assignJob)

	api.GET("/racks", h.listRacks)
	api.GET("/racks/:id", h.getRack)
	api.PUT("/racks/:id/slots/:slot", h.editSlot)

	api.POST("/processing/enable", h.setProcessing(true))
	api.POST("/processing/disable", h.setProcessing(false))
	api.POST("/processing/trigger", h.trigger)
	return r
}

// requestLogger 为每个请求生成或沿用 Trace ID，并记录访问日志
func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(util.TraceHeader)
		if traceID == "" {
			traceID = util.NewTraceID()
		}
		c.Request = c.Request.WithContext(util.ContextWithTraceID(c.Request.Context(), traceID))
		c.Header(util.TraceHeader, traceID)

		start := time.Now()
		c.Next()
		h.logger.Debug("HTTP 请求",
			"trace_id", traceID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (h *handler) health(c *gin.Context) {
	health := h.Orchestrator.Health()
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func (h *handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orchestrator.Snapshot())
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dashboard": h.Tracker.Snapshot(),
		"workflows": h.Orchestrator.Workflows.List(),
	})
}

func (h *handler) alerts(c *gin.Context) {
	if h.Journal == nil {
		c.JSON(http.StatusOK, []persistence.Alert{})
		return
	}
	c.JSON(http.StatusOK, h.Journal.Outstanding())
}

func (h *handler) listJobs(c *gin.Context) {
	jobs, err := h.Store.ListJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// CreateJobRequest 是提交任务的请求体
type CreateJobRequest struct {
	FileName  string   `json:"file_name" binding:"required"`
	HeightMm  *float64 `json:"height_mm"`
	Material  string   `json:"material"`
	Priority  int      `json:"priority"`
	AutoStart *bool    `json:"auto_start"` // 默认 true
}

func (h *handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item := &types.PrintItem{FileName: req.FileName, Material: req.Material}
	if req.HeightMm != nil {
		if *req.HeightMm < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "height_mm must not be negative"})
			return
		}
		item.Measurements = map[string]any{"height_mm": *req.HeightMm}
	}
	job := &types.Job{Item: item, Priority: req.Priority, AutoStart: req.AutoStart == nil || *req.AutoStart}

	id, err := h.Store.CreateJob(c.Request.Context(), job)
	if err != nil {
		h.fail(c, err)
		return
	}
	created, err := h.Store.GetJob(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Tracker.UpsertJob(created)
	util.LoggerFromContext(c.Request.Context(), h.logger).Info("任务已提交", "job_id", id, "file", req.FileName)
	c.JSON(http.StatusAccepted, created)
}

// uploadJob 保存上传的 .gcode / .3mf 文件，从文件头读取打印高度后创建任务
// 表单字段: file (必填)、priority、auto_start、material
func (h *handler) uploadJob(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	name := filepath.Base(fh.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".gcode" && ext != ".3mf" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .gcode and .3mf files are supported"})
		return
	}
	priority, err := strconv.Atoi(c.DefaultPostForm("priority", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
		return
	}
	autoStart, err := strconv.ParseBool(c.DefaultPostForm("auto_start", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auto_start"})
		return
	}

	ctx := c.Request.Context()
	logger := util.LoggerFromContext(ctx, h.logger)
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		h.fail(c, err)
		return
	}
	dst := filepath.Join(h.UploadDir, uuid.NewString()+ext)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		h.fail(c, err)
		return
	}
	md, err := gcode.ParseFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法解析打印文件: " + err.Error()})
		return
	}
	if md.ZMm == nil {
		logger.Warn("打印文件中没有高度信息", "file", name)
	}

	material := c.PostForm("material")
	if material == "" {
		material = md.FilamentType
	}
	item := &types.PrintItem{FileName: name, FileLocation: dst, Material: material}
	if m := md.Measurements(); len(m) > 0 {
		item.Measurements = m
	}
	id, err := h.Store.CreateJob(ctx, &types.Job{Item: item, Priority: priority, AutoStart: autoStart})
	if err != nil {
		h.fail(c, err)
		return
	}
	created, err := h.Store.GetJob(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Tracker.UpsertJob(created)
	logger.Info("任务已通过文件提交", "job_id", id, "file", name, "z", md.ZMm)
	c.JSON(http.StatusAccepted, gin.H{"job": created, "metadata": md})
}

func (h *handler) getJob(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	job, err := h.Store.GetJob(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// requeueJob 在人工处理暂停或失败的任务后让它重新排队，并确认相关告警
func (h *handler) requeueJob(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Orchestrator.Requeue(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	acked := 0
	if h.Journal != nil {
		n, err := h.Journal.Ack(id)
		if err != nil {
			h.logger.Error("确认告警失败", "job_id", id, "error", err)
		}
		acked = n
	}
	if job, err := h.Store.GetJob(ctx, id); err == nil {
		h.Tracker.UpsertJob(job)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": types.JobQueued, "alerts_acknowledged": acked})
}

// AssignJobRequest 是人工分配的请求体，grab_slot 省略时不取板
type AssignJobRequest struct {
	PrinterID int64 `json:"printer_id" binding:"required"`
	RackID    int64 `json:"rack_id" binding:"required"`
	StoreSlot int   `json:"store_slot" binding:"required"`
	GrabSlot  int   `json:"grab_slot"`
}

// assignJob 按操作员指定的位置分配任务，校验失败时返回全部问题
func (h *handler) assignJob(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	var req AssignJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	job, err := h.Orchestrator.AssignManual(ctx, id, engine.ManualAssignment{
		PrinterID: req.PrinterID,
		RackID:    req.RackID,
		StoreSlot: req.StoreSlot,
		GrabSlot:  req.GrabSlot,
	})
	var invalid *engine.AssignmentError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": invalid.Problems()})
		return
	}
	if err != nil && job == nil {
		h.fail(c, err)
		return
	}
	if err != nil {
		// 分配已写入，流程启动失败由冲突和告警处理
		util.LoggerFromContext(ctx, h.logger).Error("人工分配后启动流程失败", "job_id", id, "error", err)
	}
	h.Tracker.UpsertJob(job)
	util.LoggerFromContext(ctx, h.logger).Info("任务已人工分配", "job_id", id, "printer_id", job.PrinterID, "store_slot", job.StoreSlot, "grab_slot", job.GrabSlot)
	c.JSON(http.StatusAccepted, job)
}

func (h *handler) listRacks(c *gin.Context) {
	racks, err := h.Store.ListRacks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, racks)
}

func (h *handler) getRack(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rack, err := h.Store.GetRack(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	slots, err := h.Store.ListSlots(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	_, usage, err := h.Orchestrator.RackState(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rack": rack, "slots": slots, "utilization": usage})
}

// EditSlotRequest 是人工修改槽位的请求体
type EditSlotRequest struct {
	Plate types.PlateState `json:"plate_state" binding:"required"`
	JobID int64            `json:"print_job_id"`
}

func (h *handler) editSlot(c *gin.Context) {
	rackID, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot number"})
		return
	}
	var req EditSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Plate.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plate_state must be one of none, empty, with_print"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Store.GetRack(ctx, rackID); err != nil {
		h.fail(c, err)
		return
	}
	prev, err := h.Orchestrator.EditSlot(ctx, rackID, slot, req.Plate, req.JobID, event.TriggeredByManual)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	util.LoggerFromContext(ctx, h.logger).Info("槽位已人工修改", "rack_id", rackID, "slot", slot, "prev", prev.Plate, "new", req.Plate)
	c.JSON(http.StatusOK, gin.H{
		"rack_id":     rackID,
		"slot_number": slot,
		"prev_state":  prev.Plate,
		"plate_state": req.Plate,
	})
}

func (h *handler) setProcessing(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.Orchestrator.SetProcessing(on)
		c.JSON(http.StatusOK, gin.H{"processing_enabled": on})
	}
}

func (h *handler) trigger(c *gin.Context) {
	n, err := h.Orchestrator.Trigger(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": n})
}

func (h *handler) paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// fail 把存储错误映射为 HTTP 状态码
func (h *handler) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, engine.ErrInvalidState) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	util.LoggerFromContext(c.Request.Context(), h.logger).Error("请求处理失败", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
