package adb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/sirupsen/logrus"
)

// Device implements platform.Platform over adb shell commands. Policies
// the shell cannot express return platform.ErrUnsupported.
type Device struct {
	client     *Client
	ownPackage string
	logger     *logrus.Logger

	// reads the package an APK installs, for install results
	packageOf func(path string) (string, error)

	mu  sync.Mutex
	sdk int
}

// NewDevice 创建 ADB 设备后端
func NewDevice(client *Client, ownPackage string, logger *logrus.Logger) *Device {
	return &Device{client: client, ownPackage: ownPackage, logger: logger}
}

// WithPackageReader sets how install results learn their package name.
// Without one, results carry an empty Package.
func (d *Device) WithPackageReader(fn func(path string) (string, error)) *Device {
	d.packageOf = fn
	return d
}

// Init connects and reads the platform version.
func (d *Device) Init(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		return err
	}
	out, err := d.client.Shell(ctx, "getprop ro.build.version.sdk")
	if err != nil {
		return fmt.Errorf("read sdk version: %w", err)
	}
	sdk, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return fmt.Errorf("parse sdk version %q: %w", strings.TrimSpace(out), err)
	}

	d.mu.Lock()
	d.sdk = sdk
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"target":      d.client.target,
		"sdk_version": sdk,
	}).Info("ADB device ready")
	return nil
}

func (d *Device) SDKVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sdk
}

func (d *Device) OwnPackage() string { return d.ownPackage }

func boolArg(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func (d *Device) SetUserRestriction(ctx context.Context, key string, on bool) error {
	_, err := d.client.Shell(ctx, fmt.Sprintf("pm set-user-restriction %s %s", key, boolArg(on)))
	return err
}

// HasUserRestriction reads the restriction bundle printed by `dumpsys user`.
func (d *Device) HasUserRestriction(ctx context.Context, key string) (bool, error) {
	out, err := d.client.Shell(ctx, "dumpsys user")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == key {
			return true, nil
		}
	}
	return false, nil
}

func (d *Device) SetPolicyFlag(ctx context.Context, flag platform.PolicyFlag, on bool) error {
	return fmt.Errorf("policy flag %s: %w", flag, platform.ErrUnsupported)
}

func (d *Device) PolicyFlag(ctx context.Context, flag platform.PolicyFlag) (bool, error) {
	return false, fmt.Errorf("policy flag %s: %w", flag, platform.ErrUnsupported)
}

func (d *Device) SetGlobalSetting(ctx context.Context, name, value string) error {
	_, err := d.client.Shell(ctx, fmt.Sprintf("settings put global %s %s", name, shellQuote(value)))
	return err
}

func (d *Device) GlobalSetting(ctx context.Context, name string) (string, error) {
	return d.setting(ctx, "global", name)
}

func (d *Device) setting(ctx context.Context, namespace, name string) (string, error) {
	out, err := d.client.Shell(ctx, fmt.Sprintf("settings get %s %s", namespace, name))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(out)
	if v == "null" {
		return "", nil
	}
	return v, nil
}

func (d *Device) SetFactoryResetProtection(ctx context.Context, accounts []string) error {
	return fmt.Errorf("factory reset protection: %w", platform.ErrUnsupported)
}

func (d *Device) FactoryResetProtection(ctx context.Context) ([]string, bool, error) {
	return nil, false, fmt.Errorf("factory reset protection: %w", platform.ErrUnsupported)
}

func (d *Device) SetAlwaysOnVPN(ctx context.Context, pkg string, lockdown bool) error {
	if pkg == "" {
		if _, err := d.client.Shell(ctx, "settings delete secure always_on_vpn_app"); err != nil {
			return err
		}
		_, err := d.client.Shell(ctx, "settings put secure always_on_vpn_lockdown 0")
		return err
	}
	if _, err := d.client.Shell(ctx, "settings put secure always_on_vpn_app "+shellQuote(pkg)); err != nil {
		return err
	}
	_, err := d.client.Shell(ctx, "settings put secure always_on_vpn_lockdown "+boolArg(lockdown))
	return err
}

func (d *Device) AlwaysOnVPN(ctx context.Context) (string, error) {
	return d.setting(ctx, "secure", "always_on_vpn_app")
}

func (d *Device) SetLockTaskPackages(ctx context.Context, pkgs []string) error {
	return fmt.Errorf("lock task packages: %w", platform.ErrUnsupported)
}

func (d *Device) LockTaskPackages(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("lock task packages: %w", platform.ErrUnsupported)
}

func parsePackageList(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package:") {
			pkgs = append(pkgs, strings.TrimPrefix(line, "package:"))
		}
	}
	return pkgs
}

// InstalledPackages 获取已安装的包列表. Labels are not available over
// the shell; the package name stands in.
func (d *Device) InstalledPackages(ctx context.Context) ([]platform.PackageInfo, error) {
	all, err := d.client.Shell(ctx, "pm list packages")
	if err != nil {
		return nil, err
	}
	system, err := d.client.Shell(ctx, "pm list packages -s")
	if err != nil {
		return nil, err
	}
	launcher, err := d.client.Shell(ctx,
		"cmd package query-activities --brief -a android.intent.action.MAIN -c android.intent.category.LAUNCHER")
	if err != nil {
		return nil, err
	}

	isSystem := make(map[string]bool)
	for _, p := range parsePackageList(system) {
		isSystem[p] = true
	}
	launchable := make(map[string]bool)
	for _, line := range strings.Split(launcher, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.IndexByte(line, '/'); i > 0 {
			launchable[line[:i]] = true
		}
	}

	pkgs := parsePackageList(all)
	sort.Strings(pkgs)
	out := make([]platform.PackageInfo, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, platform.PackageInfo{
			PackageName: p,
			Label:       p,
			Launchable:  launchable[p],
			System:      isSystem[p],
		})
	}
	return out, nil
}

var (
	versionCodeRe = regexp.MustCompile(`versionCode=(\d+)`)
	hiddenRe      = regexp.MustCompile(`hidden=(true|false)`)
)

// Package 查询单个包. Signer certificates are not exposed by the shell.
func (d *Device) Package(ctx context.Context, pkg string) (*platform.PackageInfo, error) {
	out, err := d.client.Shell(ctx, "pm path "+pkg)
	if errors.Is(err, platform.ErrPermissionDenied) {
		return nil, err
	}
	// pm exits non-zero for unknown packages
	if err != nil || !strings.Contains(out, "package:") {
		return nil, fmt.Errorf("%s: %w", pkg, platform.ErrPackageNotFound)
	}

	info := &platform.PackageInfo{PackageName: pkg, Label: pkg}
	dump, err := d.client.Shell(ctx, "dumpsys package "+pkg)
	if err != nil {
		return nil, err
	}
	if m := versionCodeRe.FindStringSubmatch(dump); m != nil {
		info.VersionCode, _ = strconv.Atoi(m[1])
	}
	return info, nil
}

func (d *Device) Icon(ctx context.Context, pkg string) ([]byte, error) {
	return nil, nil
}

func (d *Device) SetApplicationHidden(ctx context.Context, pkg string, hidden bool) error {
	cmd := "pm unhide "
	if hidden {
		cmd = "pm hide "
	}
	out, err := d.client.Shell(ctx, cmd+pkg)
	if err != nil {
		return err
	}
	if strings.Contains(out, "Unknown package") || strings.Contains(out, "not found") {
		return fmt.Errorf("%s: %w", pkg, platform.ErrPackageNotFound)
	}
	return nil
}

func (d *Device) IsApplicationHidden(ctx context.Context, pkg string) (bool, error) {
	dump, err := d.client.Shell(ctx, "dumpsys package "+pkg)
	if err != nil {
		return false, err
	}
	m := hiddenRe.FindStringSubmatch(dump)
	return m != nil && m[1] == "true", nil
}

func (d *Device) SetUninstallBlocked(ctx context.Context, pkg string, blocked bool) error {
	return fmt.Errorf("uninstall blocking: %w", platform.ErrUnsupported)
}

func (d *Device) IsUninstallBlocked(ctx context.Context, pkg string) (bool, error) {
	return false, nil
}

func (d *Device) DefaultDialer(ctx context.Context) (string, error) {
	out, err := d.client.Shell(ctx, "telecom get-default-dialer")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var failureRe = regexp.MustCompile(`Failure \[([A-Z_]+)`)

// installStatus maps adb install output onto installer session codes.
func installStatus(out string) (platform.InstallStatus, string) {
	if strings.Contains(out, "Success") {
		return platform.InstallSuccess, ""
	}
	m := failureRe.FindStringSubmatch(out)
	if m == nil {
		return platform.InstallFailure, firstLine(out)
	}
	code := m[1]
	switch {
	case strings.Contains(code, "ABORTED"), strings.Contains(code, "USER_RESTRICTED"):
		return platform.InstallFailureAborted, code
	case strings.Contains(code, "BLOCKED"):
		return platform.InstallFailureBlocked, code
	case strings.Contains(code, "CONFLICT"), strings.Contains(code, "UPDATE_INCOMPATIBLE"),
		strings.Contains(code, "ALREADY_EXISTS"):
		return platform.InstallFailureConflict, code
	case strings.Contains(code, "INSUFFICIENT_STORAGE"):
		return platform.InstallFailureStorage, code
	case strings.Contains(code, "OLDER_SDK"), strings.Contains(code, "NO_MATCHING_ABIS"),
		strings.Contains(code, "CPU_ABI"):
		return platform.InstallFailureIncompatible, code
	case strings.Contains(code, "INVALID"), strings.Contains(code, "PARSE_FAILED"):
		return platform.InstallFailureInvalid, code
	default:
		return platform.InstallFailure, code
	}
}

// InstallSession streams the file with `adb install` and reports the
// outcome on a goroutine, like the installer's status broadcast.
func (d *Device) InstallSession(ctx context.Context, sessionID, apkPath string, onResult func(platform.InstallResult)) error {
	out, err := d.client.Install(ctx, apkPath)
	if err != nil {
		return err
	}
	status, msg := installStatus(out)
	res := platform.InstallResult{SessionID: sessionID, Status: status, Message: msg}
	if d.packageOf != nil {
		pkg, err := d.packageOf(apkPath)
		if err != nil {
			d.logger.WithError(err).WithField("apk_path", apkPath).Debug("Package name unavailable for install result")
		}
		res.Package = pkg
	}
	if onResult != nil {
		go onResult(res)
	}
	return nil
}

func (d *Device) RequestUninstall(ctx context.Context, pkg string) error {
	return d.client.Uninstall(ctx, pkg)
}

// LaunchInstaller pushes the file and opens it with the package installer UI.
func (d *Device) LaunchInstaller(ctx context.Context, apkPath string) error {
	remote := "/data/local/tmp/" + filepath.Base(apkPath)
	if err := d.client.Push(ctx, apkPath, remote); err != nil {
		return err
	}
	_, err := d.client.Shell(ctx, fmt.Sprintf(
		"am start -a android.intent.action.VIEW -t application/vnd.android.package-archive -d %s",
		shellQuote("file://"+remote)))
	return err
}

func (d *Device) Notify(ctx context.Context, message string) error {
	_, err := d.client.Shell(ctx, "cmd notification post -t DeviceLock devicelock "+shellQuote(message))
	return err
}

var _ platform.Platform = (*Device)(nil)
