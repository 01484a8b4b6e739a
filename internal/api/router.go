// Package api serves the agent's local HTTP surface on the loopback
// interface: open status reads, and state changes behind the admin
// password.
package api

import (
	"time"

	"github.com/devicelock/devicelock-agent/internal/api/handlers"
	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖
type Deps struct {
	Features handlers.FeatureSource
	Layout   handlers.LayoutSource
	Setup    handlers.SetupSource
	Events   *handlers.EventsHandler
	// Control mounts the state-changing routes. Without it every route
	// is read-only.
	Control  *handlers.ControlHandler
	Installs handlers.InstallSource
	SDK      int
	Metrics  *metrics.Collector
	Logger   *logrus.Logger
	Mode     string // debug, release
}

// NewRouter builds the router. /metrics, /api/events and the control
// routes are only mounted when their collaborators are configured.
func NewRouter(d Deps) *gin.Engine {
	// 设置 Gin 模式
	if d.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(d.Logger))
	r.Use(middleware.LoopbackOnly())
	if d.Control == nil {
		r.Use(middleware.ReadOnly())
	}
	if d.Metrics != nil {
		r.Use(middleware.HTTPMetrics(d.Metrics))
		r.GET("/metrics", middleware.MetricsHandler(d.Metrics))
	}

	status := handlers.NewStatusHandler(d.Features, d.Layout, d.Setup, d.SDK, d.Logger).WithInstalls(d.Installs)
	r.GET("/healthz", status.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/features", status.ListFeatures)
		apiGroup.GET("/categories", status.ListCategories)
		apiGroup.GET("/kiosk/layout", status.GetKioskLayout)
		if d.Events != nil {
			apiGroup.GET("/events", d.Events.HandleWebSocket)
		}
	}

	if ctl := d.Control; ctl != nil {
		apiGroup.GET("/kiosk/apps", ctl.SelectableApps)
		apiGroup.GET("/apps", ctl.ListApps)
		apiGroup.POST("/password/setup", ctl.SetupPassword)
		apiGroup.POST("/password/change", ctl.ChangePassword)

		admin := apiGroup.Group("", middleware.AdminPassword(ctl))
		{
			// 防护功能
			admin.POST("/features", ctl.ApplyFeatures)
			admin.POST("/features/:id", ctl.SetFeature)
			admin.POST("/disable-all", ctl.DisableAll)

			// 信息亭
			admin.POST("/kiosk/apps", ctl.SetKioskApps)
			admin.POST("/kiosk/enabled", ctl.SetKioskEnabled)
			admin.POST("/kiosk/settings-access", ctl.SetSettingsAccess)
			admin.POST("/kiosk/move", ctl.MoveItem)
			admin.POST("/kiosk/merge", ctl.MergeItems)
			admin.POST("/kiosk/merge/complete", ctl.CompleteMerge)
			admin.POST("/kiosk/merge/cancel", ctl.CancelMerge)
			admin.POST("/kiosk/rename", ctl.RenameFolder)
			admin.POST("/kiosk/disband", ctl.DisbandFolder)
			admin.POST("/kiosk/extract", ctl.ExtractApp)

			// 应用屏蔽
			admin.POST("/apps/block", ctl.SetBlocked)

			// 自更新
			admin.POST("/update/check", ctl.CheckUpdate)
			admin.POST("/update/install", ctl.InstallUpdate)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Debug("HTTP Request")
	}
}
