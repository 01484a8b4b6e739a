package feature

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/sirupsen/logrus"
)

// never is a probe version no device reaches: the state is always local.
const never = 1 << 30

type primitive int

const (
	primUserRestriction primitive = iota
	primPolicyFlag
	primGlobalSetting
	primLocalOnly
	primFRP
	primAlwaysOnVPN
)

// restriction is one row of the registry table.
type restriction struct {
	id     string
	minSDK int
	// probeSDK is the first version whose getter can be trusted; below it
	// IsActive reads the last applied value from the store. Zero means minSDK.
	probeSDK int
	kind     primitive

	key      string // user restriction key or global setting name
	flag     platform.PolicyFlag
	onValue  string // global setting value meaning "protected"
	offValue string
	target   string // always-on VPN package

	deps *Deps
}

func (r *restriction) ID() string  { return r.id }
func (r *restriction) MinSDK() int { return r.minSDK }

func (r *restriction) supported() bool {
	return r.deps.Platform.SDKVersion() >= r.minSDK
}

func (r *restriction) localState() bool {
	if r.kind == primLocalOnly {
		return true
	}
	probe := r.probeSDK
	if probe == 0 {
		probe = r.minSDK
	}
	return r.deps.Platform.SDKVersion() < probe
}

func (r *restriction) Apply(ctx context.Context, enable bool) error {
	log := r.deps.Logger.WithFields(logrus.Fields{
		"feature_id": r.id,
		"enable":     enable,
	})

	if !r.supported() {
		log.Debug("Feature unsupported on this platform version, skipping")
		return nil
	}

	if active, err := r.IsActive(ctx); err == nil && active == enable {
		return nil
	}

	if err := r.set(ctx, enable); err != nil {
		if errors.Is(err, platform.ErrPermissionDenied) {
			log.WithError(err).Warn("Platform denied feature change, state left unchanged")
		} else {
			log.WithError(err).Error("Feature apply failed")
		}
		return fmt.Errorf("apply %s: %w", r.id, err)
	}

	if r.localState() {
		if err := settings.SetBool(ctx, r.deps.Store, stateKey(r.id), enable); err != nil {
			return fmt.Errorf("persist %s state: %w", r.id, err)
		}
	}

	log.Info("Feature applied")
	return nil
}

func (r *restriction) set(ctx context.Context, enable bool) error {
	p := r.deps.Platform
	switch r.kind {
	case primUserRestriction:
		return p.SetUserRestriction(ctx, r.key, enable)
	case primPolicyFlag:
		return p.SetPolicyFlag(ctx, r.flag, enable)
	case primGlobalSetting:
		v := r.offValue
		if enable {
			v = r.onValue
		}
		return p.SetGlobalSetting(ctx, r.key, v)
	case primFRP:
		if !enable {
			return p.SetFactoryResetProtection(ctx, nil)
		}
		accounts, err := settings.GetStrings(ctx, r.deps.Store, FRPAccountsKey)
		if err != nil {
			return err
		}
		if accounts == nil {
			accounts = []string{}
		}
		return p.SetFactoryResetProtection(ctx, accounts)
	case primAlwaysOnVPN:
		if enable {
			return p.SetAlwaysOnVPN(ctx, r.target, true)
		}
		return p.SetAlwaysOnVPN(ctx, "", false)
	case primLocalOnly:
		return nil
	default:
		return fmt.Errorf("unknown primitive %d", r.kind)
	}
}

func (r *restriction) IsActive(ctx context.Context) (bool, error) {
	if !r.supported() {
		return false, nil
	}
	if r.localState() {
		return settings.GetBool(ctx, r.deps.Store, stateKey(r.id), false)
	}

	p := r.deps.Platform
	switch r.kind {
	case primUserRestriction:
		return p.HasUserRestriction(ctx, r.key)
	case primPolicyFlag:
		return p.PolicyFlag(ctx, r.flag)
	case primGlobalSetting:
		v, err := p.GlobalSetting(ctx, r.key)
		if err != nil {
			return false, err
		}
		return v == r.onValue, nil
	case primFRP:
		_, set, err := p.FactoryResetProtection(ctx)
		return set, err
	case primAlwaysOnVPN:
		pkg, err := p.AlwaysOnVPN(ctx)
		if err != nil {
			return false, err
		}
		return pkg == r.target, nil
	default:
		return false, fmt.Errorf("unknown primitive %d", r.kind)
	}
}
