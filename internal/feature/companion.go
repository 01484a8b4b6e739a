package feature

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/platform"
)

// companionFeature installs a bundled companion app and blocks its removal.
// Installation is asynchronous; its outcome is reported by the installer,
// not through this feature's state.
type companionFeature struct {
	id     string
	minSDK int
	asset  string
	pkg    string
	label  string
	deps   *Deps
}

func (c *companionFeature) ID() string  { return c.id }
func (c *companionFeature) MinSDK() int { return c.minSDK }

func (c *companionFeature) IsActive(ctx context.Context) (bool, error) {
	if c.deps.Platform.SDKVersion() < c.minSDK {
		return false, nil
	}
	return c.deps.Platform.IsUninstallBlocked(ctx, c.pkg)
}

func (c *companionFeature) Apply(ctx context.Context, enable bool) error {
	if c.deps.Platform.SDKVersion() < c.minSDK {
		return nil
	}
	if active, err := c.IsActive(ctx); err == nil && active == enable {
		return nil
	}

	log := c.deps.Logger.WithField("feature_id", c.id).WithField("package", c.pkg)
	p := c.deps.Platform

	if !enable {
		if err := p.SetUninstallBlocked(ctx, c.pkg, false); err != nil {
			log.WithError(err).Warn("Failed to clear uninstall block")
			return fmt.Errorf("apply %s: %w", c.id, err)
		}
		msg := fmt.Sprintf("%s can now be uninstalled manually", c.label)
		if err := p.Notify(ctx, msg); err != nil {
			log.WithError(err).Debug("Notice not shown")
		}
		log.Info("Companion app unprotected")
		return nil
	}

	installed, err := platform.IsInstalled(ctx, p, c.pkg)
	if err != nil {
		return fmt.Errorf("apply %s: %w", c.id, err)
	}
	if !installed {
		sessionID, err := c.deps.Installer.InstallAsset(ctx, c.asset)
		if err != nil {
			log.WithError(err).Warn("Failed to start companion install")
			return fmt.Errorf("apply %s: %w", c.id, err)
		}
		log.WithField("session_id", sessionID).Info("Companion install started")
	}

	if err := p.SetUninstallBlocked(ctx, c.pkg, true); err != nil {
		if errors.Is(err, platform.ErrPermissionDenied) {
			log.WithError(err).Warn("Platform denied uninstall block")
		}
		return fmt.Errorf("apply %s: %w", c.id, err)
	}

	log.Info("Companion app protected")
	return nil
}
