package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/util"
)

// simEjectorID 是模拟服务内部使用的取板机编号，一个进程只模拟一台取板机
const simEjectorID = 1

var (
	addr     string
	busyFor  time.Duration
	failRate float64
)

var rootCmd = &cobra.Command{
	Use:   "ejector-sim",
	Short: "模拟一台通过 Moonraker 接口控制的取板机",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "ejector-sim")
		slog.SetDefault(logger)
		return run(logger)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":7125", "监听地址")
	rootCmd.Flags().DurationVar(&busyFor, "busy", 3*time.Second, "每条宏的模拟耗时")
	rootCmd.Flags().Float64Var(&failRate, "fail-rate", 0, "宏随机失败的概率 (0-1)")
}

// main 是取板机模拟服务的入口
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := device.NewSimEjectors(busyFor, logger)
	srv := &http.Server{Addr: addr, Handler: newHandler(sim, failRate, logger)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("=== 取板机模拟服务启动 ===", "addr", addr, "busy", busyFor.String(), "fail_rate", failRate)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("取板机模拟服务已退出")
	return nil
}

// newHandler 提供编排器用到的 Moonraker 接口子集
func newHandler(sim *device.SimEjectors, failRate float64, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/printer/gcode/script", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		script := r.URL.Query().Get("script")
		if script == "" {
			writeError(w, http.StatusBadRequest, "missing script")
			return
		}
		taskLogger := requestLogger(r, logger).With("script", script)
		taskLogger.Info("接收到宏")

		if failRate > 0 && rand.Float64() < failRate {
			taskLogger.Warn("宏执行失败", "error", "模拟机械故障")
			writeError(w, http.StatusBadRequest, "simulated mechanical fault")
			return
		}
		if err := sim.ExecuteMacro(r.Context(), simEjectorID, script); err != nil {
			taskLogger.Warn("宏执行失败", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"result": "ok"})
	})

	mux.HandleFunc("/printer/objects/query", func(w http.ResponseWriter, r *http.Request) {
		status, _ := sim.LiveStatus(r.Context(), simEjectorID)
		state := "Ready"
		if status == device.EjectorEjecting {
			state = "Printing"
		}
		writeJSON(w, map[string]any{
			"result": map[string]any{
				"status": map[string]any{
					"idle_timeout": map[string]any{"state": state},
				},
			},
		})
	})

	mux.HandleFunc("/printer/print/start", func(w http.ResponseWriter, r *http.Request) {
		requestLogger(r, logger).Warn("取板机不支持打印", "filename", r.URL.Query().Get("filename"))
		writeError(w, http.StatusBadRequest, "ejector cannot print")
	})

	return mux
}

// requestLogger 从 HTTP Header 中提取 Trace ID，用于链路追踪
func requestLogger(r *http.Request, logger *slog.Logger) *slog.Logger {
	if traceID := r.Header.Get(util.TraceHeader); traceID != "" {
		return logger.With("trace_id", traceID)
	}
	return logger
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
