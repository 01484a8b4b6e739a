// Package appblock hides user-chosen apps through the device policy
// service and keeps the chosen set so it survives a reboot.
package appblock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/sirupsen/logrus"
)

// BlockedKey stores the blocked packages as a JSON array.
const BlockedKey = "appblock.blocked"

var ErrOwnPackage = errors.New("the agent cannot block itself")

// Controller is the part of the platform the blocker needs.
type Controller interface {
	platform.Device
	InstalledPackages(ctx context.Context) ([]platform.PackageInfo, error)
	SetApplicationHidden(ctx context.Context, pkg string, hidden bool) error
}

// App is an installed package with its blocked flag.
type App struct {
	platform.PackageInfo
	Blocked bool
}

// Manager 应用拦截
type Manager struct {
	store    settings.Store
	platform Controller
	logger   *logrus.Logger
}

func NewManager(store settings.Store, p Controller, logger *logrus.Logger) *Manager {
	return &Manager{store: store, platform: p, logger: logger}
}

// Blocked returns the persisted blocked packages, sorted.
func (m *Manager) Blocked(ctx context.Context) ([]string, error) {
	return settings.GetStrings(ctx, m.store, BlockedKey)
}

// SetBlocked hides or unhides pkg and records the choice. The set is only
// updated once the platform accepted the change.
func (m *Manager) SetBlocked(ctx context.Context, pkg string, blocked bool) error {
	if pkg == m.platform.OwnPackage() {
		return ErrOwnPackage
	}
	if err := m.platform.SetApplicationHidden(ctx, pkg, blocked); err != nil {
		return fmt.Errorf("set %s hidden=%v: %w", pkg, blocked, err)
	}

	current, err := m.Blocked(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Blocked app list unreadable, starting over")
		current = nil
	}
	set := make(map[string]bool, len(current)+1)
	for _, p := range current {
		set[p] = true
	}
	if blocked {
		set[pkg] = true
	} else {
		delete(set, pkg)
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	if err := settings.SetStrings(ctx, m.store, BlockedKey, out); err != nil {
		return fmt.Errorf("save blocked apps: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"package": pkg,
		"blocked": blocked,
	}).Info("App block state changed")
	return nil
}

// Apps lists installed packages other than the agent with their blocked
// flag, sorted by package name.
func (m *Manager) Apps(ctx context.Context) ([]App, error) {
	installed, err := m.platform.InstalledPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	blocked, err := m.Blocked(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(blocked))
	for _, p := range blocked {
		set[p] = true
	}

	own := m.platform.OwnPackage()
	out := make([]App, 0, len(installed))
	for _, p := range installed {
		if p.PackageName == own {
			continue
		}
		out = append(out, App{PackageInfo: p, Blocked: set[p.PackageName]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out, nil
}

// Reapply hides every persisted package again. Packages that are no
// longer installed are skipped.
func (m *Manager) Reapply(ctx context.Context) error {
	blocked, err := m.Blocked(ctx)
	if err != nil {
		return err
	}

	var errs []error
	applied := 0
	for _, pkg := range blocked {
		err := m.platform.SetApplicationHidden(ctx, pkg, true)
		switch {
		case errors.Is(err, platform.ErrPackageNotFound):
			m.logger.WithField("package", pkg).Debug("Blocked app no longer installed")
		case err != nil:
			errs = append(errs, fmt.Errorf("hide %s: %w", pkg, err))
		default:
			applied++
		}
	}
	m.logger.WithFields(logrus.Fields{
		"applied": applied,
		"failed":  len(errs),
	}).Info("Blocked apps reapplied")
	return errors.Join(errs...)
}
