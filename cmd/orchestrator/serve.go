package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"print-farm-orchestrator/internal/api"
	"print-farm-orchestrator/internal/config"
	"print-farm-orchestrator/internal/device"
	"print-farm-orchestrator/internal/engine"
	"print-farm-orchestrator/internal/event"
	"print-farm-orchestrator/internal/handlers"
	"print-farm-orchestrator/internal/persistence"
	"print-farm-orchestrator/internal/profile"
	"print-farm-orchestrator/internal/store"
	"print-farm-orchestrator/internal/web"
)

var (
	simulate  bool
	demoJobs  int
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动编排器和 HTTP 接口",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("simulate") {
			cfg.Simulate = simulate
		}
		if serveAddr != "" {
			cfg.HTTP.Addr = serveAddr
		}
		return serve(cfg, newLogger())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&simulate, "simulate", false, "使用内存存储和模拟设备")
	serveCmd.Flags().IntVar(&demoJobs, "demo-jobs", 6, "模拟模式下自动提交的演示任务数")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP 监听地址 (覆盖 http.addr)")
	rootCmd.AddCommand(serveCmd)
}

// devices 根据运行模式创建存储和设备控制
func devices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, device.PrinterControl, device.EjectorControl, error) {
	if cfg.Simulate {
		mem := store.NewMemory()
		printerIDs, err := seedDemo(ctx, mem)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化演示数据失败: %w", err)
		}
		logger.Info("使用模拟设备", "printers", len(printerIDs))
		return mem, device.NewSimPrinters(logger, printerIDs...), device.NewSimEjectors(time.Second, logger), nil
	}

	db, err := store.NewSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	client := device.NewClient(cfg.Ejector.HTTPTimeout, logger)
	return db, device.NewMoonrakerPrinters(client, db), device.NewMoonrakerEjectors(client, db), nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 初始化核心组件
	st, printers, ejectors, err := devices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	profiles, err := profile.NewResolver(profile.RulesFromConfig(cfg.PrinterProfiles))
	if err != nil {
		return fmt.Errorf("打印机规则无效: %w", err)
	}
	journal, err := persistence.OpenJournal(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("无法打开告警日志: %w", err)
	}
	defer journal.Close()

	bus := event.NewBus()
	hub := web.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)
	tracker := web.NewStateTracker(hub)

	// 2. 注册事件处理器
	unsubscribe := handlers.RegisterEventHandlers(handlers.Deps{
		Bus: bus, Tracker: tracker, Journal: journal, Store: st, Logger: logger,
	})
	defer unsubscribe()

	// 3. 初始化编排器
	orch, err := engine.New(engine.Deps{
		Config: cfg, Store: st, Printers: printers, Ejectors: ejectors, Profiles: profiles, Bus: bus, Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	if jobs, err := st.ListJobs(ctx); err == nil {
		for _, j := range jobs {
			tracker.UpsertJob(j)
		}
	}
	orch.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Orchestrator: orch, Store: st, Tracker: tracker, Hub: hub, Journal: journal,
			UploadDir: cfg.HTTP.UploadDir, Logger: logger,
		}),
	}
	go func() {
		logger.Info("API 服务器启动", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			stop()
		}
	}()

	if cfg.Simulate {
		go submitDemoJobs(ctx, st, tracker, demoJobs, logger)
	}

	logger.Info("=== 打印农场编排器启动 ===", "simulate", cfg.Simulate)

	// 4. 优雅停机
	<-ctx.Done()
	logger.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP 服务器关闭失败", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("编排器关闭未完成", "error", err)
	}
	logger.Info("编排器已安全退出")
	return nil
}
