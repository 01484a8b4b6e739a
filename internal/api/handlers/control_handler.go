package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/devicelock/devicelock-agent/internal/appblock"
	"github.com/devicelock/devicelock-agent/internal/domain"
	"github.com/devicelock/devicelock-agent/internal/feature"
	"github.com/devicelock/devicelock-agent/internal/kiosk"
	"github.com/devicelock/devicelock-agent/internal/password"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/update"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Updater is the part of the update manager driven from the API.
type Updater interface {
	CheckForUpdate(ctx context.Context) (*domain.UpdateInfo, error)
	DownloadAndInstall(ctx context.Context, info *domain.UpdateInfo) <-chan update.Progress
}

// Publisher receives agent events.
type Publisher interface {
	Publish(ev AgentEvent)
}

// ControlDeps 控制接口依赖
type ControlDeps struct {
	Engine    *feature.Engine
	Kiosk     *kiosk.Manager
	Blocker   *appblock.Manager
	Passwords *password.Manager
	Updater   Updater
	Events    Publisher
}

// ControlHandler serves the state-changing endpoints. Everything except
// first-run password setup sits behind the admin password.
type ControlHandler struct {
	deps   ControlDeps
	base   context.Context
	logger *logrus.Logger

	installing atomic.Bool
}

// NewControlHandler 创建控制处理器
// base bounds work that outlives a request, such as an update download.
func NewControlHandler(base context.Context, deps ControlDeps, logger *logrus.Logger) *ControlHandler {
	return &ControlHandler{deps: deps, base: base, logger: logger}
}

// Verify checks the admin password for the auth middleware.
func (h *ControlHandler) Verify(ctx context.Context, plain string) bool {
	ok := h.deps.Passwords.Verify(ctx, plain)
	if !ok {
		h.logger.Warn("Admin password rejected")
	}
	return ok
}

func (h *ControlHandler) fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{
		"status":  "error",
		"message": err.Error(),
	})
}

// ---- features ----

type resultJSON struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func reportJSON(r feature.ApplyReport) gin.H {
	out := make([]resultJSON, len(r.Results))
	for i, res := range r.Results {
		out[i] = resultJSON{ID: res.ID, Outcome: res.Outcome}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	return gin.H{"results": out, "failed": len(r.Failed())}
}

// vpnConflict refuses enabling a VPN feature while a third-party VPN app
// is installed. It writes the response and returns true when it refused.
func (h *ControlHandler) vpnConflict(c *gin.Context, desired map[string]bool) bool {
	wantsVPN := false
	for id, on := range desired {
		if on && feature.IsVPNFeature(id) {
			wantsVPN = true
		}
	}
	if !wantsVPN {
		return false
	}
	found, err := h.deps.Engine.VPNConflicts(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return true
	}
	if len(found) == 0 {
		return false
	}
	c.JSON(http.StatusConflict, gin.H{
		"status":    "error",
		"message":   "uninstall other VPN apps first",
		"conflicts": found,
	})
	return true
}

type applyFeaturesRequest struct {
	Features map[string]bool `json:"features" binding:"required"`
}

// ApplyFeatures 批量保存并应用功能状态
func (h *ControlHandler) ApplyFeatures(c *gin.Context) {
	var req applyFeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if h.vpnConflict(c, req.Features) {
		return
	}

	report := h.deps.Engine.Save(c.Request.Context(), req.Features)
	c.JSON(http.StatusOK, reportJSON(report))
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetFeature 单个功能开关
func (h *ControlHandler) SetFeature(c *gin.Context) {
	id := c.Param("id")
	var req setFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.deps.Engine.Registry().Get(id); !ok {
		h.fail(c, http.StatusNotFound, fmt.Errorf("%s: %w", id, feature.ErrUnknownFeature))
		return
	}
	if h.vpnConflict(c, map[string]bool{id: *req.Enabled}) {
		return
	}

	report := h.deps.Engine.Save(c.Request.Context(), map[string]bool{id: *req.Enabled})
	if err := report.Err(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, platform.ErrPermissionDenied) {
			code = http.StatusForbidden
		}
		c.JSON(code, reportJSON(report))
		return
	}
	c.JSON(http.StatusOK, reportJSON(report))
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

// DisableAll 关闭所有防护，需显式确认
func (h *ControlHandler) DisableAll(c *gin.Context) {
	var req confirmRequest
	_ = c.ShouldBindJSON(&req)
	if !req.Confirm {
		h.fail(c, http.StatusBadRequest, errors.New("disabling every protection needs confirm=true"))
		return
	}
	report := h.deps.Engine.DisableAll(c.Request.Context())
	h.logger.WithField("failed", len(report.Failed())).Warn("All protections disabled")
	c.JSON(http.StatusOK, reportJSON(report))
}

// ---- kiosk ----

type appJSON struct {
	Package string `json:"package"`
	Label   string `json:"label"`
}

// SelectableApps 可加入信息亭的应用
func (h *ControlHandler) SelectableApps(c *gin.Context) {
	apps, err := h.deps.Kiosk.SelectableApps(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	selected, err := h.deps.Kiosk.Selected(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]appJSON, len(apps))
	for i, a := range apps {
		out[i] = appJSON{Package: a.PackageName, Label: a.Label}
	}
	c.JSON(http.StatusOK, gin.H{"apps": out, "selected": selected})
}

type kioskAppsRequest struct {
	Packages []string `json:"packages"`
}

// SetKioskApps replaces the selection and rebuilds the grid from it.
func (h *ControlHandler) SetKioskApps(c *gin.Context) {
	var req kioskAppsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.deps.Kiosk.SetSelectedApps(ctx, req.Packages); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.deps.Kiosk.Layout().Load(ctx); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	h.layoutResponse(c)
}

type toggleRequest struct {
	Value *bool `json:"value" binding:"required"`
}

// SetKioskEnabled 开关信息亭模式
func (h *ControlHandler) SetKioskEnabled(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Kiosk.SetEnabled(c.Request.Context(), *req.Value); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Value})
}

// SetSettingsAccess 信息亭内是否允许打开设置
func (h *ControlHandler) SetSettingsAccess(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Kiosk.SetSettingsAccess(c.Request.Context(), *req.Value); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allow_settings": *req.Value})
}

type pairRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

type indexRequest struct {
	Index *int   `json:"index" binding:"required"`
	Name  string `json:"name"`
}

type extractRequest struct {
	Folder *int `json:"folder" binding:"required"`
	App    *int `json:"app" binding:"required"`
}

type nameRequest struct {
	Name string `json:"name"`
}

func layoutStatus(err error) int {
	switch {
	case errors.Is(err, kiosk.ErrNoPendingMerge):
		return http.StatusConflict
	case errors.Is(err, kiosk.ErrIndexOutOfRange), errors.Is(err, kiosk.ErrNotApp),
		errors.Is(err, kiosk.ErrNotFolder), errors.Is(err, kiosk.ErrBlankName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// saveLayout persists the grid after an edit and answers with it.
func (h *ControlHandler) saveLayout(c *gin.Context, extra gin.H) {
	if err := h.deps.Kiosk.Layout().Save(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("Failed to save kiosk layout")
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	h.layoutResponse(c, extra)
}

func (h *ControlHandler) layoutResponse(c *gin.Context, extra ...gin.H) {
	data, err := h.deps.Kiosk.Layout().JSON()
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	resp := gin.H{"items": json.RawMessage(data)}
	for _, e := range extra {
		for k, v := range e {
			resp[k] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}

// MoveItem 拖动排序
func (h *ControlHandler) MoveItem(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if !h.deps.Kiosk.Layout().Move(*req.From, *req.To) {
		h.fail(c, http.StatusBadRequest, kiosk.ErrIndexOutOfRange)
		return
	}
	h.saveLayout(c, nil)
}

// MergeItems drops one app onto another item. Onto an app the reply asks
// for a folder name and nothing is saved until CompleteMerge.
func (h *ControlHandler) MergeItems(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.deps.Kiosk.Layout().Merge(*req.From, *req.To)
	if err != nil {
		h.fail(c, layoutStatus(err), err)
		return
	}
	if res.NeedsName {
		h.layoutResponse(c, gin.H{"needs_name": true})
		return
	}
	h.saveLayout(c, gin.H{"needs_name": false})
}

// CompleteMerge 为新文件夹命名
func (h *ControlHandler) CompleteMerge(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	folder, err := h.deps.Kiosk.Layout().CompleteMerge(req.Name)
	if err != nil {
		h.fail(c, layoutStatus(err), err)
		return
	}
	h.saveLayout(c, gin.H{"folder_id": folder.ID})
}

// CancelMerge 放弃待命名的合并
func (h *ControlHandler) CancelMerge(c *gin.Context) {
	h.deps.Kiosk.Layout().CancelMerge()
	h.layoutResponse(c)
}

// RenameFolder 重命名文件夹
func (h *ControlHandler) RenameFolder(c *gin.Context) {
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Kiosk.Layout().Rename(*req.Index, req.Name); err != nil {
		h.fail(c, layoutStatus(err), err)
		return
	}
	h.saveLayout(c, nil)
}

// DisbandFolder 解散文件夹
func (h *ControlHandler) DisbandFolder(c *gin.Context) {
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Kiosk.Layout().Disband(*req.Index); err != nil {
		h.fail(c, layoutStatus(err), err)
		return
	}
	h.saveLayout(c, nil)
}

// ExtractApp 从文件夹中移出应用
func (h *ControlHandler) ExtractApp(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Kiosk.Layout().Extract(*req.Folder, *req.App); err != nil {
		h.fail(c, layoutStatus(err), err)
		return
	}
	h.saveLayout(c, nil)
}

// ---- app blocker ----

type blockedAppJSON struct {
	Package string `json:"package"`
	Label   string `json:"label"`
	Blocked bool   `json:"blocked"`
}

// ListApps 已安装应用及屏蔽状态
func (h *ControlHandler) ListApps(c *gin.Context) {
	apps, err := h.deps.Blocker.Apps(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]blockedAppJSON, len(apps))
	for i, a := range apps {
		out[i] = blockedAppJSON{Package: a.PackageName, Label: a.Label, Blocked: a.Blocked}
	}
	c.JSON(http.StatusOK, gin.H{"apps": out})
}

type blockRequest struct {
	Package string `json:"package" binding:"required"`
	Blocked *bool  `json:"blocked" binding:"required"`
}

// SetBlocked 屏蔽或恢复应用
func (h *ControlHandler) SetBlocked(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	err := h.deps.Blocker.SetBlocked(c.Request.Context(), req.Package, *req.Blocked)
	switch {
	case errors.Is(err, appblock.ErrOwnPackage):
		h.fail(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, platform.ErrPermissionDenied):
		h.fail(c, http.StatusForbidden, err)
		return
	case err != nil:
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": req.Package, "blocked": *req.Blocked})
}

// ---- password ----

type setupPasswordRequest struct {
	Password string `json:"password"`
}

// SetupPassword sets the first admin password. Once one exists it can
// only be changed with the current one.
func (h *ControlHandler) SetupPassword(c *gin.Context) {
	var req setupPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	set, err := h.deps.Passwords.IsSet(ctx)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if set {
		h.fail(c, http.StatusConflict, errors.New("admin password already set"))
		return
	}
	if err := h.deps.Passwords.CreateAndSave(ctx, req.Password); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, password.ErrEmptyPassword) {
			code = http.StatusBadRequest
		}
		h.fail(c, code, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setup_complete": true})
}

type changePasswordRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

// ChangePassword 修改管理员密码
func (h *ControlHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	err := h.deps.Passwords.Change(c.Request.Context(), req.Current, req.New)
	switch {
	case errors.Is(err, password.ErrWrongPassword):
		h.fail(c, http.StatusUnauthorized, err)
		return
	case errors.Is(err, password.ErrEmptyPassword):
		h.fail(c, http.StatusBadRequest, err)
		return
	case err != nil:
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---- update ----

// CheckUpdate 手动检查更新
func (h *ControlHandler) CheckUpdate(c *gin.Context) {
	info, err := h.deps.Updater.CheckForUpdate(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusBadGateway, err)
		return
	}
	if info == nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "update": info})
}

// InstallUpdate checks for an update and, if there is one, downloads and
// hands it to the installer in the background. Progress is published as
// update events; at most one install runs at a time.
func (h *ControlHandler) InstallUpdate(c *gin.Context) {
	if !h.installing.CompareAndSwap(false, true) {
		h.fail(c, http.StatusConflict, errors.New("an update is already being installed"))
		return
	}

	info, err := h.deps.Updater.CheckForUpdate(c.Request.Context())
	if err != nil {
		h.installing.Store(false)
		h.fail(c, http.StatusBadGateway, err)
		return
	}
	if info == nil {
		h.installing.Store(false)
		h.fail(c, http.StatusConflict, errors.New("no update available"))
		return
	}

	progress := h.deps.Updater.DownloadAndInstall(h.base, info)
	go h.relayProgress(info.VersionCode, progress)

	c.JSON(http.StatusAccepted, gin.H{"version_code": info.VersionCode})
}

func (h *ControlHandler) relayProgress(version int, progress <-chan update.Progress) {
	defer h.installing.Store(false)
	subject := fmt.Sprintf("version %d", version)
	for p := range progress {
		ev := AgentEvent{Kind: EventUpdate, Subject: subject, Status: "downloading", Percent: p.Percent}
		switch {
		case p.Err != nil:
			ev.Status, ev.Error = "failed", p.Err.Error()
		case p.Done:
			ev.Status = "installer_launched"
		}
		if h.deps.Events != nil {
			h.deps.Events.Publish(ev)
		}
	}
}
