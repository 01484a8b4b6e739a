// Package platform defines the device-owner operations the agent needs from
// the underlying Android device. Implementations live in platform/sim
// (in-memory) and adb (shell backed).
package platform

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the platform rejects a call
	// because the agent lacks device-owner rights.
	ErrPermissionDenied = errors.New("permission denied by device policy service")
	// ErrUnsupported is returned when a backend cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by platform backend")
	// ErrPackageNotFound is returned for queries against a package that is
	// not installed.
	ErrPackageNotFound = errors.New("package not installed")
)

// PolicyFlag 设备策略布尔开关（非用户限制类）
type PolicyFlag string

const (
	FlagCameraDisabled        PolicyFlag = "camera_disabled"
	FlagScreenCaptureDisabled PolicyFlag = "screen_capture_disabled"
	FlagStatusBarDisabled     PolicyFlag = "status_bar_disabled"
	FlagKeyguardDisabled      PolicyFlag = "keyguard_disabled"
	FlagAutoTimeRequired      PolicyFlag = "auto_time_required"
	FlagUSBDataSignaling      PolicyFlag = "usb_data_signaling_disabled"
	FlagAlwaysOnVPNLockdown   PolicyFlag = "always_on_vpn_lockdown"
)

// PackageInfo 已安装应用信息
type PackageInfo struct {
	PackageName string
	Label       string
	VersionCode int
	// SignerCerts holds DER-encoded signing certificates, first signer first.
	SignerCerts [][]byte
	Launchable  bool
	System      bool
}

// InstallStatus mirrors the package installer session status codes.
type InstallStatus int

const (
	InstallSuccess             InstallStatus = 0
	InstallFailure             InstallStatus = 1
	InstallFailureBlocked      InstallStatus = 2
	InstallFailureAborted      InstallStatus = 3
	InstallFailureInvalid      InstallStatus = 4
	InstallFailureConflict     InstallStatus = 5
	InstallFailureStorage      InstallStatus = 6
	InstallFailureIncompatible InstallStatus = 7
)

func (s InstallStatus) String() string {
	switch s {
	case InstallSuccess:
		return "success"
	case InstallFailureBlocked:
		return "blocked"
	case InstallFailureAborted:
		return "aborted"
	case InstallFailureInvalid:
		return "invalid"
	case InstallFailureConflict:
		return "conflict"
	case InstallFailureStorage:
		return "storage"
	case InstallFailureIncompatible:
		return "incompatible"
	default:
		return "failure"
	}
}

// InstallResult is delivered once per install session.
type InstallResult struct {
	SessionID string
	Package   string
	Status    InstallStatus
	Message   string
}

// Device describes the running device.
type Device interface {
	SDKVersion() int
	OwnPackage() string
}

// PolicyManager wraps the device policy service.
type PolicyManager interface {
	SetUserRestriction(ctx context.Context, key string, on bool) error
	HasUserRestriction(ctx context.Context, key string) (bool, error)

	SetPolicyFlag(ctx context.Context, flag PolicyFlag, on bool) error
	PolicyFlag(ctx context.Context, flag PolicyFlag) (bool, error)

	SetGlobalSetting(ctx context.Context, name, value string) error
	GlobalSetting(ctx context.Context, name string) (string, error)

	// SetFactoryResetProtection configures the accounts allowed to
	// unlock the device after a factory reset; nil clears the policy.
	SetFactoryResetProtection(ctx context.Context, accounts []string) error
	FactoryResetProtection(ctx context.Context) ([]string, bool, error)

	SetAlwaysOnVPN(ctx context.Context, pkg string, lockdown bool) error
	AlwaysOnVPN(ctx context.Context) (string, error)

	SetLockTaskPackages(ctx context.Context, pkgs []string) error
	LockTaskPackages(ctx context.Context) ([]string, error)
}

// PackageManager wraps package queries and per-package policy.
type PackageManager interface {
	InstalledPackages(ctx context.Context) ([]PackageInfo, error)
	Package(ctx context.Context, pkg string) (*PackageInfo, error)
	Icon(ctx context.Context, pkg string) ([]byte, error)

	SetApplicationHidden(ctx context.Context, pkg string, hidden bool) error
	IsApplicationHidden(ctx context.Context, pkg string) (bool, error)

	SetUninstallBlocked(ctx context.Context, pkg string, blocked bool) error
	IsUninstallBlocked(ctx context.Context, pkg string) (bool, error)

	DefaultDialer(ctx context.Context) (string, error)
}

// PackageInstaller wraps the session-based installer.
type PackageInstaller interface {
	// InstallSession streams apkPath into a new installer session and
	// commits it; the outcome is delivered asynchronously to onResult.
	InstallSession(ctx context.Context, sessionID, apkPath string, onResult func(InstallResult)) error
	// RequestUninstall asks the platform to remove pkg.
	RequestUninstall(ctx context.Context, pkg string) error
	// LaunchInstaller hands a verified file to the interactive installer.
	LaunchInstaller(ctx context.Context, apkPath string) error
}

// Notifier shows a brief, dismissible notice to the device user.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Platform is everything the agent needs from a device backend.
type Platform interface {
	Device
	PolicyManager
	PackageManager
	PackageInstaller
	Notifier
}

// IsInstalled reports whether pkg is present on the device.
func IsInstalled(ctx context.Context, pm PackageManager, pkg string) (bool, error) {
	_, err := pm.Package(ctx, pkg)
	if errors.Is(err, ErrPackageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
