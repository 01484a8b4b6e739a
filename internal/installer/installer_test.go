package installer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/platform/sim"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitResult(t *testing.T, i *Installer) platform.InstallResult {
	t.Helper()
	select {
	case res := <-i.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no install result delivered")
		return platform.InstallResult{}
	}
}

func TestInstallAsset_Success(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "browser.apk")
	require.NoError(t, os.WriteFile(apk, []byte("PK"), 0644))

	dev := sim.New(34, "org.devicelock.agent")
	dev.RegisterAPK(apk, platform.PackageInfo{PackageName: "org.devicelock.browser", Label: "Browser"})

	inst := NewInstaller(dir, dev, quietLogger(), nil)
	sessionID, err := inst.InstallAsset(context.Background(), "browser.apk")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	res := waitResult(t, inst)
	assert.Equal(t, sessionID, res.SessionID)
	assert.Equal(t, platform.InstallSuccess, res.Status)
	assert.Equal(t, "org.devicelock.browser", res.Package)
	assert.Equal(t, 0, inst.Pending())

	installed, err := platform.IsInstalled(context.Background(), dev, "org.devicelock.browser")
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestInstallAsset_UnknownAPKReportsFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.apk"), []byte("x"), 0644))

	dev := sim.New(34, "org.devicelock.agent")
	inst := NewInstaller(dir, dev, quietLogger(), nil)

	_, err := inst.InstallAsset(context.Background(), "junk.apk")
	require.NoError(t, err, "session start succeeds, failure arrives asynchronously")

	res := waitResult(t, inst)
	assert.Equal(t, platform.InstallFailureInvalid, res.Status)
	assert.NotEmpty(t, res.Message)
}

func TestInstallAsset_MissingAsset(t *testing.T) {
	dev := sim.New(34, "org.devicelock.agent")
	inst := NewInstaller(t.TempDir(), dev, quietLogger(), nil)

	_, err := inst.InstallAsset(context.Background(), "absent.apk")
	assert.Error(t, err)
	assert.Equal(t, 0, inst.Pending())
}

func TestInstallAsset_SessionDenied(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.apk"), []byte("x"), 0644))

	dev := sim.New(34, "org.devicelock.agent")
	dev.Deny("InstallSession")
	inst := NewInstaller(dir, dev, quietLogger(), nil)

	_, err := inst.InstallAsset(context.Background(), "a.apk")
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.Equal(t, 0, inst.Pending())
}

func TestOnResult_RunsBeforeChannel(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "browser.apk")
	require.NoError(t, os.WriteFile(apk, []byte("PK"), 0644))

	dev := sim.New(34, "org.devicelock.agent")
	dev.RegisterAPK(apk, platform.PackageInfo{PackageName: "org.devicelock.browser"})
	inst := NewInstaller(dir, dev, quietLogger(), nil)

	seen := make(chan platform.InstallResult, 1)
	inst.OnResult(func(res platform.InstallResult) { seen <- res })

	sessionID, err := inst.InstallAsset(context.Background(), "browser.apk")
	require.NoError(t, err)

	res := waitResult(t, inst)
	select {
	case got := <-seen:
		assert.Equal(t, sessionID, got.SessionID)
		assert.Equal(t, res, got)
	default:
		t.Fatal("listener did not run before the result was delivered")
	}
}
