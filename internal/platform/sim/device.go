// Package sim is an in-memory device used by tests and by the agent's
// dry-run backend. It keeps every policy in maps and completes installer
// sessions on a goroutine, like the real package installer broadcast.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devicelock/devicelock-agent/internal/platform"
)

// Device 模拟设备
type Device struct {
	mu sync.Mutex

	sdk        int
	ownPackage string

	packages     map[string]platform.PackageInfo
	icons        map[string][]byte
	hidden       map[string]bool
	blocked      map[string]bool
	restrictions map[string]bool
	flags        map[platform.PolicyFlag]bool
	globals      map[string]string
	frpAccounts  []string
	frpSet       bool
	vpnPackage   string
	vpnLockdown  bool
	lockTask     []string
	dialer       string

	// apks maps a file path to the package it installs.
	apks      map[string]platform.PackageInfo
	denied    map[string]bool
	notices   []string
	launched  []string
	uninstall []string

	installWG sync.WaitGroup
}

// New 创建模拟设备
func New(sdk int, ownPackage string) *Device {
	d := &Device{
		sdk:          sdk,
		ownPackage:   ownPackage,
		packages:     make(map[string]platform.PackageInfo),
		icons:        make(map[string][]byte),
		hidden:       make(map[string]bool),
		blocked:      make(map[string]bool),
		restrictions: make(map[string]bool),
		flags:        make(map[platform.PolicyFlag]bool),
		globals:      make(map[string]string),
		apks:         make(map[string]platform.PackageInfo),
		denied:       make(map[string]bool),
	}
	d.packages[ownPackage] = platform.PackageInfo{PackageName: ownPackage, Label: "DeviceLock", Launchable: true}
	return d
}

func (d *Device) SDKVersion() int    { return d.sdk }
func (d *Device) OwnPackage() string { return d.ownPackage }

// AddPackage installs a package directly, bypassing the installer.
func (d *Device) AddPackage(info platform.PackageInfo, icon []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packages[info.PackageName] = info
	if icon != nil {
		d.icons[info.PackageName] = icon
	}
}

// RemovePackage uninstalls a package directly.
func (d *Device) RemovePackage(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.packages, pkg)
	delete(d.icons, pkg)
}

// RegisterAPK declares which package an APK file installs.
func (d *Device) RegisterAPK(path string, info platform.PackageInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apks[path] = info
}

// SetDefaultDialer sets the role holder for the dialer.
func (d *Device) SetDefaultDialer(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialer = pkg
}

// Deny makes the named operation fail with ErrPermissionDenied.
// Operation names are the method names, e.g. "SetUserRestriction".
func (d *Device) Deny(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied[op] = true
}

// WaitInstalls blocks until all started installer sessions reported.
func (d *Device) WaitInstalls() { d.installWG.Wait() }

func (d *Device) Notices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.notices...)
}

func (d *Device) Launched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.launched...)
}

func (d *Device) UninstallRequests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uninstall...)
}

func (d *Device) check(op string) error {
	if d.denied[op] {
		return fmt.Errorf("%s: %w", op, platform.ErrPermissionDenied)
	}
	return nil
}

func (d *Device) SetUserRestriction(ctx context.Context, key string, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetUserRestriction"); err != nil {
		return err
	}
	d.restrictions[key] = on
	return nil
}

func (d *Device) HasUserRestriction(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restrictions[key], nil
}

func (d *Device) SetPolicyFlag(ctx context.Context, flag platform.PolicyFlag, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetPolicyFlag"); err != nil {
		return err
	}
	d.flags[flag] = on
	return nil
}

func (d *Device) PolicyFlag(ctx context.Context, flag platform.PolicyFlag) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags[flag], nil
}

func (d *Device) SetGlobalSetting(ctx context.Context, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetGlobalSetting"); err != nil {
		return err
	}
	d.globals[name] = value
	return nil
}

func (d *Device) GlobalSetting(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.globals[name], nil
}

func (d *Device) SetFactoryResetProtection(ctx context.Context, accounts []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetFactoryResetProtection"); err != nil {
		return err
	}
	d.frpSet = accounts != nil
	d.frpAccounts = append([]string(nil), accounts...)
	return nil
}

func (d *Device) FactoryResetProtection(ctx context.Context) ([]string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frpAccounts...), d.frpSet, nil
}

func (d *Device) SetAlwaysOnVPN(ctx context.Context, pkg string, lockdown bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetAlwaysOnVPN"); err != nil {
		return err
	}
	d.vpnPackage = pkg
	d.vpnLockdown = lockdown
	d.flags[platform.FlagAlwaysOnVPNLockdown] = pkg != "" && lockdown
	return nil
}

func (d *Device) AlwaysOnVPN(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vpnPackage, nil
}

func (d *Device) SetLockTaskPackages(ctx context.Context, pkgs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetLockTaskPackages"); err != nil {
		return err
	}
	d.lockTask = append([]string(nil), pkgs...)
	return nil
}

func (d *Device) LockTaskPackages(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lockTask...), nil
}

func (d *Device) InstalledPackages(ctx context.Context) ([]platform.PackageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]platform.PackageInfo, 0, len(d.packages))
	for _, p := range d.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out, nil
}

func (d *Device) Package(ctx context.Context, pkg string) (*platform.PackageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.packages[pkg]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pkg, platform.ErrPackageNotFound)
	}
	return &p, nil
}

func (d *Device) Icon(ctx context.Context, pkg string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.packages[pkg]; !ok {
		return nil, fmt.Errorf("%s: %w", pkg, platform.ErrPackageNotFound)
	}
	return d.icons[pkg], nil
}

func (d *Device) SetApplicationHidden(ctx context.Context, pkg string, hidden bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetApplicationHidden"); err != nil {
		return err
	}
	if _, ok := d.packages[pkg]; !ok {
		return fmt.Errorf("%s: %w", pkg, platform.ErrPackageNotFound)
	}
	d.hidden[pkg] = hidden
	return nil
}

func (d *Device) IsApplicationHidden(ctx context.Context, pkg string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hidden[pkg], nil
}

func (d *Device) SetUninstallBlocked(ctx context.Context, pkg string, blocked bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SetUninstallBlocked"); err != nil {
		return err
	}
	d.blocked[pkg] = blocked
	return nil
}

func (d *Device) IsUninstallBlocked(ctx context.Context, pkg string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked[pkg], nil
}

func (d *Device) DefaultDialer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialer, nil
}

func (d *Device) InstallSession(ctx context.Context, sessionID, apkPath string, onResult func(platform.InstallResult)) error {
	d.mu.Lock()
	if err := d.check("InstallSession"); err != nil {
		d.mu.Unlock()
		return err
	}
	info, known := d.apks[apkPath]
	d.mu.Unlock()

	d.installWG.Add(1)
	go func() {
		defer d.installWG.Done()
		res := platform.InstallResult{SessionID: sessionID, Package: info.PackageName}
		if !known {
			res.Status = platform.InstallFailureInvalid
			res.Message = "INSTALL_PARSE_FAILED_NOT_APK"
		} else {
			d.mu.Lock()
			d.packages[info.PackageName] = info
			d.mu.Unlock()
			res.Status = platform.InstallSuccess
		}
		if onResult != nil {
			onResult(res)
		}
	}()
	return nil
}

func (d *Device) RequestUninstall(ctx context.Context, pkg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("RequestUninstall"); err != nil {
		return err
	}
	d.uninstall = append(d.uninstall, pkg)
	if d.blocked[pkg] {
		return nil
	}
	delete(d.packages, pkg)
	delete(d.hidden, pkg)
	if d.dialer == pkg {
		d.dialer = ""
	}
	return nil
}

func (d *Device) LaunchInstaller(ctx context.Context, apkPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("LaunchInstaller"); err != nil {
		return err
	}
	d.launched = append(d.launched, apkPath)
	return nil
}

func (d *Device) Notify(ctx context.Context, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, message)
	return nil
}

var _ platform.Platform = (*Device)(nil)
