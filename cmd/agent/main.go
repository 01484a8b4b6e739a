package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devicelock/devicelock-agent/internal/adb"
	"github.com/devicelock/devicelock-agent/internal/api"
	"github.com/devicelock/devicelock-agent/internal/api/handlers"
	"github.com/devicelock/devicelock-agent/internal/apk"
	"github.com/devicelock/devicelock-agent/internal/appblock"
	"github.com/devicelock/devicelock-agent/internal/boot"
	"github.com/devicelock/devicelock-agent/internal/config"
	"github.com/devicelock/devicelock-agent/internal/feature"
	"github.com/devicelock/devicelock-agent/internal/installer"
	"github.com/devicelock/devicelock-agent/internal/kiosk"
	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/password"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/platform/sim"
	"github.com/devicelock/devicelock-agent/internal/retry"
	"github.com/devicelock/devicelock-agent/internal/security"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/devicelock/devicelock-agent/internal/update"
	"github.com/devicelock/devicelock-agent/internal/watcher"
	"github.com/devicelock/devicelock-agent/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("DeviceLock Agent\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/agent.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting DeviceLock Agent %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 初始化设置存储
	db, err := settings.Open(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to open settings database: %v", err)
	}
	store := settings.NewGormStore(db)
	logger.Info("Settings database connected")

	// 5. 设备后端
	dev, err := openPlatform(ctx, &cfg.Device, logger)
	if err != nil {
		logger.Fatalf("Failed to init device backend: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"backend":     cfg.Device.Backend,
		"sdk":         dev.SDKVersion(),
		"own_package": dev.OwnPackage(),
	}).Info("Device backend ready")

	collector := metrics.NewCollector("devicelock")

	// 6. 功能注册表与完整性检查
	inst := installer.NewInstaller(cfg.Assets.Dir, dev, logger, collector)
	deps := feature.Deps{Platform: dev, Store: store, Installer: inst, Logger: logger}
	registry := feature.NewRegistry(deps)
	if err := security.AssertIntegrity(cfg.Assets.Dir, registry); err != nil {
		logger.Fatalf("Integrity check failed: %v", err)
	}
	logger.WithField("features", registry.Len()).Info("Feature registry loaded")

	// 7. Worker 池
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)
	pool.Start(ctx)
	engine := feature.NewEngine(registry, deps, pool, collector)

	// 8. 签名校验与自更新
	verifier := security.NewVerifier(apk.NewInspector(logger), dev, security.OfficialSignature(), logger, collector)
	if !verifier.IsLegitimate(ctx) {
		logger.Warn("Running an unofficial build, self-update disabled")
	}
	updater := update.NewManager(&cfg.Update, verifier, dev, logger, collector)

	// 9. Kiosk、应用屏蔽、管理员密码
	layout := kiosk.NewLayout(store, dev, logger, collector)
	kioskMgr := kiosk.NewManager(store, dev, layout, logger).WithSettingsPackage(cfg.Device.SettingsPackage)
	blocker := appblock.NewManager(store, dev, logger)
	passwords := password.NewManager(store, logger)
	if set, err := passwords.IsSet(ctx); err == nil && !set {
		logger.Warn("No admin password configured, setup has not finished")
	}

	events := handlers.NewEventsHandler(logger)
	events.Start(ctx)

	// 10. 启动任务
	runner := boot.NewRunner(retry.FromBoot(cfg.Boot, logger), logger, collector, boot.DefaultTasks(boot.Components{
		Engine:   engine,
		Kiosk:    kioskMgr,
		Blocker:  blocker,
		Updater:  updater,
		Notifier: dev,
	})...)
	bootDone := make(chan struct{})
	layoutLoaded := false
	go func() {
		defer close(bootDone)
		for _, res := range runner.Run(ctx) {
			ev := handlers.AgentEvent{Kind: handlers.EventBoot, Subject: res.Task, Status: "ok"}
			if res.Err != nil {
				ev.Status, ev.Error = "failed", res.Err.Error()
			} else if res.Task == boot.TaskKiosk {
				layoutLoaded = true
			}
			events.Publish(ev)
		}
	}()

	go drainInstallResults(ctx, inst, events, logger)

	// 11. 收件箱监控
	var inbox *watcher.InboxWatcher
	if cfg.Inbox.Enabled {
		inbox, err = watcher.NewInboxWatcher(cfg.Inbox.Dir, cfg.Inbox.StagingDir, verifier, inst, logger)
		if err != nil {
			logger.Fatalf("Failed to create inbox watcher: %v", err)
		}
		if err := inbox.Start(ctx); err != nil {
			logger.Fatalf("Failed to start inbox watcher: %v", err)
		}
		go drainInboxEvents(ctx, inbox, events, logger)
	}

	// 12. 本机 API
	var server *http.Server
	if cfg.API.Enabled {
		var control *handlers.ControlHandler
		if !cfg.API.ReadOnly {
			control = handlers.NewControlHandler(ctx, handlers.ControlDeps{
				Engine:    engine,
				Kiosk:     kioskMgr,
				Blocker:   blocker,
				Passwords: passwords,
				Updater:   updater,
				Events:    events,
			}, logger)
		}
		router := api.NewRouter(api.Deps{
			Features: engine,
			Layout:   layout,
			Setup:    passwords,
			Events:   events,
			Control:  control,
			Installs: inst,
			SDK:      dev.SDKVersion(),
			Metrics:  collector,
			Logger:   logger,
			Mode:     cfg.API.Mode,
		})
		server = &http.Server{
			Addr:         cfg.API.Listen,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.WithField("read_only", control == nil).Infof("Local API listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("Local API error: %v", err)
			}
		}()
	}

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Local API shutdown error: %v", err)
		}
	}
	if inbox != nil {
		if err := inbox.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop inbox watcher")
		}
	}
	pool.Stop()

	// 布局只在启动任务加载后保存，避免空布局覆盖
	select {
	case <-bootDone:
		if !layoutLoaded {
			break
		}
		if err := layout.Save(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to save kiosk layout")
		}
	default:
	}

	// 关闭数据库连接
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Agent stopped")
}

func openPlatform(ctx context.Context, cfg *config.DeviceConfig, logger *logrus.Logger) (platform.Platform, error) {
	switch cfg.Backend {
	case "sim":
		return sim.New(cfg.SDKVersion, cfg.OwnPackage), nil
	case "adb":
		client := adb.NewClient(cfg.ADBTarget, cfg.ADBTimeoutDuration(), adb.ExecRunner{}, logger)
		dev := adb.NewDevice(client, cfg.OwnPackage, logger).
			WithPackageReader(apk.NewInspector(logger).PackageName)
		if err := dev.Init(ctx); err != nil {
			return nil, err
		}
		if cfg.ADBTarget != "" {
			go client.ConnectionManager().StartHealthCheck(ctx, 30*time.Second, cfg.ADBTarget)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Backend)
	}
}

func drainInstallResults(ctx context.Context, inst *installer.Installer, events *handlers.EventsHandler, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-inst.Results():
			logger.WithFields(logrus.Fields{
				"session_id": res.SessionID,
				"package":    res.Package,
				"status":     res.Status.String(),
			}).Debug("Install result received")
			events.Publish(handlers.AgentEvent{
				Kind:      handlers.EventInstall,
				Subject:   res.Package,
				SessionID: res.SessionID,
				Status:    res.Status.String(),
				Error:     res.Message,
			})
		}
	}
}

func drainInboxEvents(ctx context.Context, inbox *watcher.InboxWatcher, events *handlers.EventsHandler, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inbox.Events():
			if !ok {
				return
			}
			entry := logger.WithFields(logrus.Fields{
				"file":    ev.File,
				"package": ev.Package,
			})
			out := handlers.AgentEvent{Kind: handlers.EventInbox, Subject: ev.File, SessionID: ev.SessionID, Status: "accepted"}
			if ev.Err != nil {
				entry.WithError(ev.Err).Warn("Inbox file rejected")
				out.Status, out.Error = "rejected", ev.Err.Error()
			} else {
				entry.WithField("session_id", ev.SessionID).Info("Inbox file installed")
			}
			events.Publish(out)
		}
	}
}
