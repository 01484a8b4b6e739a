package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicelock/devicelock-agent/internal/api/handlers"
	"github.com/devicelock/devicelock-agent/internal/appblock"
	"github.com/devicelock/devicelock-agent/internal/domain"
	"github.com/devicelock/devicelock-agent/internal/feature"
	"github.com/devicelock/devicelock-agent/internal/kiosk"
	"github.com/devicelock/devicelock-agent/internal/password"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/platform/sim"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/devicelock/devicelock-agent/internal/update"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminPassword = "s3cret"
	ownPkg        = "org.devicelock.agent"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []handlers.AgentEvent
}

func (p *recordingPublisher) Publish(ev handlers.AgentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) snapshot() []handlers.AgentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]handlers.AgentEvent(nil), p.events...)
}

type fakeUpdater struct {
	info     *domain.UpdateInfo
	err      error
	progress chan update.Progress
}

func (u *fakeUpdater) CheckForUpdate(ctx context.Context) (*domain.UpdateInfo, error) {
	return u.info, u.err
}

func (u *fakeUpdater) DownloadAndInstall(ctx context.Context, info *domain.UpdateInfo) <-chan update.Progress {
	return u.progress
}

type pendingInstalls int

func (p pendingInstalls) Pending() int { return int(p) }

type controlFixture struct {
	router  *gin.Engine
	store   *settings.MemoryStore
	dev     *sim.Device
	layout  *kiosk.Layout
	updater *fakeUpdater
	events  *recordingPublisher
}

// newControlFixture builds a router with the control routes mounted. With
// withPassword the admin password is stored at the lowest bcrypt cost.
func newControlFixture(t *testing.T, withPassword bool) *controlFixture {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()
	dev := sim.New(34, ownPkg)
	dev.AddPackage(platform.PackageInfo{PackageName: "com.maps", Label: "Maps", Launchable: true}, nil)
	dev.AddPackage(platform.PackageInfo{PackageName: "com.mail", Label: "Mail", Launchable: true}, nil)
	dev.AddPackage(platform.PackageInfo{PackageName: "com.game", Label: "Game", Launchable: true}, nil)
	store := settings.NewMemoryStore()

	if withPassword {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, password.HashKey, string(hash)))
	}

	deps := feature.Deps{Platform: dev, Store: store, Logger: logger}
	engine := feature.NewEngine(feature.NewRegistry(deps), deps, nil, nil)
	layout := kiosk.NewLayout(store, dev, logger, nil)
	require.NoError(t, layout.Load(ctx))
	km := kiosk.NewManager(store, dev, layout, logger)
	passwords := password.NewManager(store, logger)

	f := &controlFixture{
		store:   store,
		dev:     dev,
		layout:  layout,
		updater: &fakeUpdater{},
		events:  &recordingPublisher{},
	}
	control := handlers.NewControlHandler(ctx, handlers.ControlDeps{
		Engine:    engine,
		Kiosk:     km,
		Blocker:   appblock.NewManager(store, dev, logger),
		Passwords: passwords,
		Updater:   f.updater,
		Events:    f.events,
	}, logger)

	f.router = NewRouter(Deps{
		Features: engine,
		Layout:   layout,
		Setup:    passwords,
		Control:  control,
		Installs: pendingInstalls(2),
		SDK:      34,
		Logger:   logger,
	})
	return f
}

func (f *controlFixture) call(method, path, body, pw string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = local
	if pw != "" {
		req.Header.Set("Authorization", "Bearer "+pw)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *controlFixture) flag(t *testing.T, flag platform.PolicyFlag) bool {
	t.Helper()
	on, err := f.dev.PolicyFlag(context.Background(), flag)
	require.NoError(t, err)
	return on
}

type layoutBody struct {
	Items     []map[string]any `json:"items"`
	NeedsName *bool            `json:"needs_name"`
	FolderID  string           `json:"folder_id"`
}

func decodeLayout(t *testing.T, w *httptest.ResponseRecorder) layoutBody {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body layoutBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestControl_AdminRoutesNeedPassword(t *testing.T) {
	f := newControlFixture(t, true)
	body := `{"features":{"` + feature.IDBlockCamera + `":true}}`

	w := f.call(http.MethodPost, "/api/features", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, "/api/features", body, "guess").Code)
	assert.False(t, f.flag(t, platform.FlagCameraDisabled), "rejected request changed nothing")

	for _, path := range []string{
		"/api/features/" + feature.IDBlockCamera, "/api/disable-all",
		"/api/kiosk/apps", "/api/kiosk/enabled", "/api/kiosk/settings-access",
		"/api/kiosk/move", "/api/kiosk/merge", "/api/kiosk/merge/complete",
		"/api/kiosk/merge/cancel", "/api/kiosk/rename", "/api/kiosk/disband",
		"/api/kiosk/extract", "/api/apps/block", "/api/update/check", "/api/update/install",
	} {
		assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, path, `{}`, "").Code, path)
	}
}

func TestControl_NoPasswordYetLocksAdminRoutes(t *testing.T) {
	f := newControlFixture(t, false)
	assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, "/api/disable-all", `{"confirm":true}`, "anything").Code)
}

func TestControl_ApplyFeatures(t *testing.T) {
	f := newControlFixture(t, true)

	w := f.call(http.MethodPost, "/api/features", `{"features":{"`+feature.IDBlockCamera+`":true}}`, adminPassword)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Results []struct {
			ID      string `json:"id"`
			Outcome string `json:"outcome"`
		} `json:"results"`
		Failed int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Zero(t, body.Failed)
	require.NotEmpty(t, body.Results)
	assert.Equal(t, feature.IDBlockCamera, body.Results[0].ID)
	assert.True(t, f.flag(t, platform.FlagCameraDisabled))

	desired, err := settings.GetBool(context.Background(), f.store, feature.DesiredKey(feature.IDBlockCamera), false)
	require.NoError(t, err)
	assert.True(t, desired)

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/features", `not json`, adminPassword).Code)
}

func TestControl_SetFeature(t *testing.T) {
	f := newControlFixture(t, true)
	path := "/api/features/" + feature.IDBlockCamera

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, path, `{"enabled":true}`, adminPassword).Code)
	assert.True(t, f.flag(t, platform.FlagCameraDisabled))

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, path, `{"enabled":false}`, adminPassword).Code)
	assert.False(t, f.flag(t, platform.FlagCameraDisabled))

	assert.Equal(t, http.StatusNotFound, f.call(http.MethodPost, "/api/features/made_up", `{"enabled":true}`, adminPassword).Code)
	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, path, `{}`, adminPassword).Code, "enabled is required")
}

func TestControl_VPNFeatureConflict(t *testing.T) {
	f := newControlFixture(t, true)
	f.dev.AddPackage(platform.PackageInfo{PackageName: "com.wireguard.android", Label: "WireGuard", Launchable: true}, nil)

	w := f.call(http.MethodPost, "/api/features/"+feature.IDAlwaysOnVPN, `{"enabled":true}`, adminPassword)
	require.Equal(t, http.StatusConflict, w.Code)
	var body struct {
		Conflicts []string `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"com.wireguard.android"}, body.Conflicts)

	// turning it off is never blocked
	assert.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/features/"+feature.IDAlwaysOnVPN, `{"enabled":false}`, adminPassword).Code)
}

func TestControl_DisableAllNeedsConfirm(t *testing.T) {
	f := newControlFixture(t, true)
	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/features/"+feature.IDBlockCamera, `{"enabled":true}`, adminPassword).Code)

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/disable-all", "", adminPassword).Code)
	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/disable-all", `{"confirm":false}`, adminPassword).Code)
	assert.True(t, f.flag(t, platform.FlagCameraDisabled))

	assert.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/disable-all", `{"confirm":true}`, adminPassword).Code)
	assert.False(t, f.flag(t, platform.FlagCameraDisabled))
}

func TestControl_KioskLayoutEditing(t *testing.T) {
	f := newControlFixture(t, true)
	ctx := context.Background()

	w := f.call(http.MethodGet, "/api/kiosk/apps", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var selectable struct {
		Apps []struct {
			Package string `json:"package"`
		} `json:"apps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &selectable))
	assert.Len(t, selectable.Apps, 3)

	// sorted by label: Game, Mail, Maps
	body := decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/apps", `{"packages":["com.maps","com.mail","com.game"]}`, adminPassword))
	require.Len(t, body.Items, 3)
	assert.Equal(t, "com.game", body.Items[0]["package"])

	body = decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/move", `{"from":2,"to":0}`, adminPassword))
	assert.Equal(t, []string{"com.maps", "com.game", "com.mail"}, f.layout.Packages())

	saved, _, err := f.store.Get(ctx, kiosk.LayoutKey)
	require.NoError(t, err)

	body = decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/merge", `{"from":1,"to":2}`, adminPassword))
	require.NotNil(t, body.NeedsName)
	assert.True(t, *body.NeedsName)
	unchanged, _, err := f.store.Get(ctx, kiosk.LayoutKey)
	require.NoError(t, err)
	assert.Equal(t, saved, unchanged, "nothing saved until the folder is named")

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/kiosk/merge/complete", `{"name":"  "}`, adminPassword).Code)

	body = decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/merge/complete", `{"name":"Work"}`, adminPassword))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "folder", body.Items[1]["type"])
	assert.Equal(t, "Work", body.Items[1]["name"])
	assert.NotEmpty(t, body.FolderID)

	assert.Equal(t, http.StatusConflict, f.call(http.MethodPost, "/api/kiosk/merge/complete", `{"name":"Again"}`, adminPassword).Code)

	body = decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/rename", `{"index":1,"name":"Office"}`, adminPassword))
	assert.Equal(t, "Office", body.Items[1]["name"])
	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/kiosk/rename", `{"index":0,"name":"Nope"}`, adminPassword).Code, "not a folder")

	decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/extract", `{"folder":1,"app":0}`, adminPassword))
	assert.Equal(t, []string{"com.maps", "com.mail", "com.game"}, f.layout.Packages())

	// dropping onto a folder saves at once
	decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/merge", `{"from":2,"to":1}`, adminPassword))
	body = decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/disband", `{"index":1}`, adminPassword))
	require.Len(t, body.Items, 3)
	assert.Equal(t, "app", body.Items[1]["type"])
	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/kiosk/disband", `{"index":9}`, adminPassword).Code)

	final, _, err := f.store.Get(ctx, kiosk.LayoutKey)
	require.NoError(t, err)
	items, err := kiosk.Unmarshal([]byte(final))
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestControl_MergeCancel(t *testing.T) {
	f := newControlFixture(t, true)
	decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/apps", `{"packages":["com.maps","com.mail"]}`, adminPassword))

	body := decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/merge", `{"from":0,"to":1}`, adminPassword))
	require.NotNil(t, body.NeedsName)
	decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/merge/cancel", "", adminPassword))

	assert.Equal(t, http.StatusConflict, f.call(http.MethodPost, "/api/kiosk/merge/complete", `{"name":"Work"}`, adminPassword).Code)
	assert.Len(t, f.layout.Items(), 2)
}

func TestControl_KioskToggles(t *testing.T) {
	f := newControlFixture(t, true)
	ctx := context.Background()
	decodeLayout(t, f.call(http.MethodPost, "/api/kiosk/apps", `{"packages":["com.maps"]}`, adminPassword))

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/kiosk/enabled", `{"value":true}`, adminPassword).Code)
	pkgs, err := f.dev.LockTaskPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ownPkg, "com.maps"}, pkgs)

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/kiosk/settings-access", `{"value":true}`, adminPassword).Code)
	pkgs, err = f.dev.LockTaskPackages(ctx)
	require.NoError(t, err)
	assert.Contains(t, pkgs, kiosk.SettingsPackage)

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/kiosk/enabled", `{"value":false}`, adminPassword).Code)
	pkgs, err = f.dev.LockTaskPackages(ctx)
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/kiosk/enabled", `{}`, adminPassword).Code)
}

func TestControl_AppBlocking(t *testing.T) {
	f := newControlFixture(t, true)
	ctx := context.Background()

	w := f.call(http.MethodPost, "/api/apps/block", `{"package":"com.game","blocked":true}`, adminPassword)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hidden, err := f.dev.IsApplicationHidden(ctx, "com.game")
	require.NoError(t, err)
	assert.True(t, hidden)

	w = f.call(http.MethodGet, "/api/apps", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Apps []struct {
			Package string `json:"package"`
			Blocked bool   `json:"blocked"`
		} `json:"apps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Apps, 3)
	for _, a := range list.Apps {
		assert.NotEqual(t, ownPkg, a.Package)
		assert.Equal(t, a.Package == "com.game", a.Blocked, a.Package)
	}

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/apps/block", `{"package":"`+ownPkg+`","blocked":true}`, adminPassword).Code)

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/apps/block", `{"package":"com.game","blocked":false}`, adminPassword).Code)
	hidden, err = f.dev.IsApplicationHidden(ctx, "com.game")
	require.NoError(t, err)
	assert.False(t, hidden)
}

func TestControl_PasswordSetupOnce(t *testing.T) {
	f := newControlFixture(t, false)

	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/password/setup", `{"password":""}`, "").Code)
	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/password/setup", `{"password":"first"}`, "").Code)
	assert.Equal(t, http.StatusConflict, f.call(http.MethodPost, "/api/password/setup", `{"password":"second"}`, "").Code)

	assert.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/disable-all", `{"confirm":true}`, "first").Code)
	assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, "/api/disable-all", `{"confirm":true}`, "second").Code)
}

func TestControl_PasswordChange(t *testing.T) {
	f := newControlFixture(t, true)

	assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, "/api/password/change", `{"current":"wrong","new":"next"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.call(http.MethodPost, "/api/password/change", `{"current":"`+adminPassword+`","new":""}`, "").Code)

	require.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/password/change", `{"current":"`+adminPassword+`","new":"next"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.call(http.MethodPost, "/api/update/check", "", adminPassword).Code)
	assert.Equal(t, http.StatusOK, f.call(http.MethodPost, "/api/update/check", "", "next").Code)
}

func TestControl_UpdateCheck(t *testing.T) {
	f := newControlFixture(t, true)

	w := f.call(http.MethodPost, "/api/update/check", "", adminPassword)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"available":false}`, w.Body.String())

	f.updater.info = &domain.UpdateInfo{VersionCode: 7}
	w = f.call(http.MethodPost, "/api/update/check", "", adminPassword)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Available bool `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Available)

	f.updater.err = errors.New("server unreachable")
	assert.Equal(t, http.StatusBadGateway, f.call(http.MethodPost, "/api/update/check", "", adminPassword).Code)
}

func TestControl_UpdateInstallPublishesProgress(t *testing.T) {
	f := newControlFixture(t, true)

	assert.Equal(t, http.StatusConflict, f.call(http.MethodPost, "/api/update/install", "", adminPassword).Code, "no update")

	f.updater.info = &domain.UpdateInfo{VersionCode: 7}
	f.updater.progress = make(chan update.Progress)

	w := f.call(http.MethodPost, "/api/update/install", "", adminPassword)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"version_code":7}`, w.Body.String())

	assert.Equal(t, http.StatusConflict, f.call(http.MethodPost, "/api/update/install", "", adminPassword).Code, "one install at a time")

	f.updater.progress <- update.Progress{Percent: 50}
	f.updater.progress <- update.Progress{Percent: 100, Done: true}
	close(f.updater.progress)

	require.Eventually(t, func() bool { return len(f.events.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := f.events.snapshot()
	assert.Equal(t, handlers.EventUpdate, got[0].Kind)
	assert.Equal(t, "downloading", got[0].Status)
	assert.Equal(t, 50, got[0].Percent)
	assert.Equal(t, "installer_launched", got[1].Status)
	assert.Equal(t, "version 7", got[1].Subject)

	// the relay releases the slot once the channel closes
	f.updater.progress = make(chan update.Progress, 1)
	f.updater.progress <- update.Progress{Err: errors.New("signature mismatch")}
	close(f.updater.progress)
	require.Eventually(t, func() bool {
		return f.call(http.MethodPost, "/api/update/install", "", adminPassword).Code == http.StatusAccepted
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.events.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "failed", f.events.snapshot()[2].Status)
	assert.Equal(t, "signature mismatch", f.events.snapshot()[2].Error)
}

func TestControl_HealthReportsPendingInstalls(t *testing.T) {
	f := newControlFixture(t, true)
	w := f.call(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["pending_installs"])
}

func TestControl_WritesAllowedWithControl(t *testing.T) {
	f := newControlFixture(t, true)
	// DELETE has no route; with control mounted the read-only guard is gone
	w := f.call(http.MethodDelete, "/api/features", "", adminPassword)
	assert.NotEqual(t, http.StatusMethodNotAllowed, w.Code)
}
