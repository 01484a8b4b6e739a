package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/devicelock/devicelock-agent/internal/feature"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FeatureSource reports per-feature state and the presentation categories.
type FeatureSource interface {
	Status(ctx context.Context) []feature.Status
	Registry() *feature.Registry
}

// LayoutSource exposes the persisted form of the kiosk grid.
type LayoutSource interface {
	JSON() ([]byte, error)
}

// SetupSource reports whether first-run setup has finished.
type SetupSource interface {
	SetupComplete(ctx context.Context) (bool, error)
}

// InstallSource reports install sessions still waiting for a result.
type InstallSource interface {
	Pending() int
}

// StatusHandler 设备状态处理器
type StatusHandler struct {
	features FeatureSource
	layout   LayoutSource
	setup    SetupSource
	installs InstallSource
	sdk      int
	logger   *logrus.Logger
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(features FeatureSource, layout LayoutSource, setup SetupSource, sdk int, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		features: features,
		layout:   layout,
		setup:    setup,
		sdk:      sdk,
		logger:   logger,
	}
}

// WithInstalls adds the pending install count to the health report.
func (h *StatusHandler) WithInstalls(src InstallSource) *StatusHandler {
	h.installs = src
	return h
}

// Health 健康检查
func (h *StatusHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"sdk":    h.sdk,
	}
	if h.setup != nil {
		done, err := h.setup.SetupComplete(c.Request.Context())
		if err != nil {
			h.logger.WithError(err).Warn("Failed to read setup state")
		}
		resp["setup_complete"] = done
	}
	if h.installs != nil {
		resp["pending_installs"] = h.installs.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

// ListFeatures 列出所有保护功能的状态
func (h *StatusHandler) ListFeatures(c *gin.Context) {
	statuses := h.features.Status(c.Request.Context())

	active := 0
	for _, s := range statuses {
		if s.Active {
			active++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"features": statuses,
		"total":    len(statuses),
		"active":   active,
	})
}

type categoryResponse struct {
	Title    string   `json:"title"`
	Features []string `json:"features"`
}

// ListCategories 列出功能分类
func (h *StatusHandler) ListCategories(c *gin.Context) {
	cats := feature.Categories(h.features.Registry())
	out := make([]categoryResponse, len(cats))
	for i, cat := range cats {
		ids := make([]string, len(cat.Features))
		for j, f := range cat.Features {
			ids[j] = f.ID()
		}
		out[i] = categoryResponse{Title: cat.Title, Features: ids}
	}
	c.JSON(http.StatusOK, gin.H{"categories": out})
}

// GetKioskLayout 返回 Kiosk 布局
func (h *StatusHandler) GetKioskLayout(c *gin.Context) {
	data, err := h.layout.JSON()
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode kiosk layout")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "failed to encode layout",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": json.RawMessage(data)})
}
