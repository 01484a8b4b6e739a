package feature

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
)

const (
	// OriginalDialerKey stores the dialer hidden while incoming calls are blocked.
	OriginalDialerKey = "dialer.original_package"
	// InstallSessionKey holds the replacement's install session until it reports.
	InstallSessionKey = "dialer.install_session"
	// PendingUninstallKey marks a replacement to remove as soon as its
	// session lands, set when the feature is disabled mid-install.
	PendingUninstallKey = "dialer.pending_uninstall"
)

var errNoDefaultDialer = errors.New("no default dialer to replace")

// DialerState 来电拦截状态
type DialerState string

const (
	DialerInactive   DialerState = "inactive"
	DialerInstalling DialerState = "installing"
	DialerActive     DialerState = "active"
	DialerRestoring  DialerState = "restoring"
)

// dialerFeature blocks incoming calls by hiding the default dialer and
// installing a replacement that never answers.
type dialerFeature struct {
	id          string
	minSDK      int
	asset       string
	replacement string
	deps        *Deps

	// serializes enable/disable with session results
	mu sync.Mutex
}

func (d *dialerFeature) ID() string  { return d.id }
func (d *dialerFeature) MinSDK() int { return d.minSDK }

func (d *dialerFeature) IsActive(ctx context.Context) (bool, error) {
	if d.deps.Platform.SDKVersion() < d.minSDK {
		return false, nil
	}
	original, err := settings.GetString(ctx, d.deps.Store, OriginalDialerKey)
	if err != nil {
		return false, err
	}
	return original != "", nil
}

// State derives the position in the replace/restore cycle.
func (d *dialerFeature) State(ctx context.Context) (DialerState, error) {
	original, err := settings.GetString(ctx, d.deps.Store, OriginalDialerKey)
	if err != nil || original == "" {
		return DialerInactive, err
	}
	installed, err := platform.IsInstalled(ctx, d.deps.Platform, d.replacement)
	if err != nil {
		return DialerInactive, err
	}
	if installed {
		return DialerActive, nil
	}
	hidden, err := d.deps.Platform.IsApplicationHidden(ctx, original)
	if err != nil {
		return DialerInactive, err
	}
	if hidden {
		return DialerInstalling, nil
	}
	return DialerRestoring, nil
}

func (d *dialerFeature) Apply(ctx context.Context, enable bool) error {
	if d.deps.Platform.SDKVersion() < d.minSDK {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if enable {
		return d.enable(ctx)
	}
	return d.disable(ctx)
}

func (d *dialerFeature) enable(ctx context.Context) error {
	log := d.deps.Logger.WithField("feature_id", d.id)
	store := d.deps.Store
	p := d.deps.Platform

	if active, err := d.IsActive(ctx); err != nil || active {
		return err
	}

	original, err := p.DefaultDialer(ctx)
	if err != nil {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}
	if original == "" || original == d.replacement {
		return fmt.Errorf("apply %s: %w", d.id, errNoDefaultDialer)
	}

	if err := store.Set(ctx, OriginalDialerKey, original); err != nil {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}

	if err := p.SetApplicationHidden(ctx, original, true); err != nil {
		log.WithError(err).Warn("Failed to hide default dialer")
		_ = store.Delete(ctx, OriginalDialerKey)
		return fmt.Errorf("apply %s: %w", d.id, err)
	}

	sessionID, err := d.deps.Installer.InstallAsset(ctx, d.asset)
	if err != nil {
		log.WithError(err).Warn("Failed to start replacement dialer install, restoring original")
		_ = p.SetApplicationHidden(ctx, original, false)
		_ = store.Delete(ctx, OriginalDialerKey)
		return fmt.Errorf("apply %s: %w", d.id, err)
	}

	if err := store.Set(ctx, InstallSessionKey, sessionID); err != nil {
		log.WithError(err).Warn("Failed to record install session")
	}
	_ = store.Delete(ctx, PendingUninstallKey)

	log.WithField("original_dialer", original).
		WithField("session_id", sessionID).
		Info("Default dialer hidden, replacement installing")
	return nil
}

func (d *dialerFeature) disable(ctx context.Context) error {
	log := d.deps.Logger.WithField("feature_id", d.id)
	store := d.deps.Store
	p := d.deps.Platform

	original, err := settings.GetString(ctx, store, OriginalDialerKey)
	if err != nil {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}
	if original == "" {
		return nil
	}

	installed, err := platform.IsInstalled(ctx, p, d.replacement)
	if err != nil {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}
	switch {
	case installed:
		if err := p.RequestUninstall(ctx, d.replacement); err != nil {
			return fmt.Errorf("apply %s: %w", d.id, err)
		}
	default:
		session, err := settings.GetString(ctx, store, InstallSessionKey)
		if err != nil {
			return fmt.Errorf("apply %s: %w", d.id, err)
		}
		if session != "" {
			// the session result removes the replacement once it lands
			if err := store.Set(ctx, PendingUninstallKey, session); err != nil {
				return fmt.Errorf("apply %s: %w", d.id, err)
			}
			log.WithField("session_id", session).Info("Replacement still installing, uninstall deferred")
		}
	}

	if err := p.SetApplicationHidden(ctx, original, false); err != nil && !errors.Is(err, platform.ErrPackageNotFound) {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}

	if err := store.Delete(ctx, OriginalDialerKey); err != nil {
		return fmt.Errorf("apply %s: %w", d.id, err)
	}

	log.WithField("original_dialer", original).Info("Original dialer restored")
	return nil
}

// onInstallResult settles the replacement's session. A replacement whose
// feature was disabled while it installed is removed here.
func (d *dialerFeature) onInstallResult(res platform.InstallResult) {
	ctx := context.Background()
	store := d.deps.Store

	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := settings.GetString(ctx, store, InstallSessionKey)
	if err != nil || session == "" {
		return
	}
	if res.SessionID != session {
		return
	}
	_ = store.Delete(ctx, InstallSessionKey)

	pending, err := settings.GetString(ctx, store, PendingUninstallKey)
	if err != nil || pending == "" {
		return
	}
	_ = store.Delete(ctx, PendingUninstallKey)
	if res.Status != platform.InstallSuccess {
		return
	}

	log := d.deps.Logger.WithField("feature_id", d.id).WithField("session_id", res.SessionID)
	if err := d.deps.Platform.RequestUninstall(ctx, d.replacement); err != nil {
		log.WithError(err).Warn("Failed to remove replacement dialer after disable")
		return
	}
	log.Info("Replacement dialer removed after late install")
}
