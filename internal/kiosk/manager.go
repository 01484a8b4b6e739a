package kiosk

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/sirupsen/logrus"
)

// LockTaskController is the part of the platform the manager drives.
type LockTaskController interface {
	platform.Device
	SetLockTaskPackages(ctx context.Context, pkgs []string) error
	InstalledPackages(ctx context.Context) ([]platform.PackageInfo, error)
}

// Manager 信息亭模式管理
//
// Every change to the selection, the settings toggle or the enabled flag
// is persisted first and then pushed to the platform as a fresh lock task
// package list.
type Manager struct {
	store       settings.Store
	platform    LockTaskController
	layout      *Layout
	settingsPkg string
	logger      *logrus.Logger
}

func NewManager(store settings.Store, p LockTaskController, layout *Layout, logger *logrus.Logger) *Manager {
	return &Manager{store: store, platform: p, layout: layout, settingsPkg: SettingsPackage, logger: logger}
}

// WithSettingsPackage overrides the Settings app allowed by the settings
// toggle, for OEM builds that ship their own.
func (m *Manager) WithSettingsPackage(pkg string) *Manager {
	if pkg != "" {
		m.settingsPkg = pkg
	}
	return m
}

func (m *Manager) Layout() *Layout { return m.layout }

// Selected returns the persisted kiosk app selection.
func (m *Manager) Selected(ctx context.Context) ([]string, error) {
	return settings.GetStrings(ctx, m.store, SelectedKey)
}

// SetSelectedApps replaces the selection. The agent's own package is
// always allowed and is not stored as part of it.
func (m *Manager) SetSelectedApps(ctx context.Context, pkgs []string) error {
	own := m.platform.OwnPackage()
	clean := make([]string, 0, len(pkgs))
	seen := make(map[string]bool)
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		if p == "" || p == own || seen[p] {
			continue
		}
		seen[p] = true
		clean = append(clean, p)
	}
	if err := settings.SetStrings(ctx, m.store, SelectedKey, clean); err != nil {
		return fmt.Errorf("save kiosk selection: %w", err)
	}
	return m.Reapply(ctx)
}

// SetSettingsAccess toggles whether Settings may be opened while locked.
func (m *Manager) SetSettingsAccess(ctx context.Context, allow bool) error {
	if err := settings.SetBool(ctx, m.store, SettingsAccessKey, allow); err != nil {
		return fmt.Errorf("save settings access: %w", err)
	}
	return m.Reapply(ctx)
}

// SetEnabled turns kiosk mode on or off.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	if err := settings.SetBool(ctx, m.store, EnabledKey, enabled); err != nil {
		return fmt.Errorf("save kiosk enabled: %w", err)
	}
	return m.Reapply(ctx)
}

// Enabled reports the persisted kiosk flag.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	return settings.GetBool(ctx, m.store, EnabledKey, false)
}

// Reapply recomputes the lock task packages from persisted state and sets
// them. A disabled kiosk clears the list.
func (m *Manager) Reapply(ctx context.Context) error {
	enabled, err := m.Enabled(ctx)
	if err != nil {
		return err
	}

	pkgs := []string{}
	if enabled {
		selected, err := m.Selected(ctx)
		if err != nil {
			return err
		}
		allow, err := settings.GetBool(ctx, m.store, SettingsAccessKey, false)
		if err != nil {
			return err
		}
		pkgs = LockTaskPackages(selected, m.platform.OwnPackage(), m.settingsPkg, allow)
	}

	if err := m.platform.SetLockTaskPackages(ctx, pkgs); err != nil {
		return fmt.Errorf("set lock task packages: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"enabled":  enabled,
		"packages": pkgs,
	}).Info("Lock task packages applied")
	return nil
}

// SelectableApps lists launchable apps other than the agent, sorted by label.
func (m *Manager) SelectableApps(ctx context.Context) ([]platform.PackageInfo, error) {
	all, err := m.platform.InstalledPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	own := m.platform.OwnPackage()
	out := make([]platform.PackageInfo, 0, len(all))
	for _, p := range all {
		if !p.Launchable || p.PackageName == own {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Label), strings.ToLower(out[j].Label)
		if a != b {
			return a < b
		}
		return out[i].PackageName < out[j].PackageName
	})
	return out, nil
}
