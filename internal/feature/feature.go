// Package feature holds the protection feature registry: one Feature per
// platform restriction, applied sequentially in registry order by Engine.
package feature

import (
	"context"
	"errors"

	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/sirupsen/logrus"
)

// ErrUnknownFeature is returned for ids absent from the registry.
var ErrUnknownFeature = errors.New("unknown feature id")

// Feature 单个防护功能
//
// Apply must be idempotent and must not touch the platform when the device
// is below MinSDK. IsActive reports false on unsupported devices.
type Feature interface {
	ID() string
	MinSDK() int
	Apply(ctx context.Context, enable bool) error
	IsActive(ctx context.Context) (bool, error)
}

// AssetInstaller starts installs of APKs bundled with the agent.
type AssetInstaller interface {
	InstallAsset(ctx context.Context, name string) (string, error)
}

// ResultListener is implemented by installers that report session
// outcomes to registered callbacks.
type ResultListener interface {
	OnResult(fn func(platform.InstallResult))
}

// Deps are the collaborators shared by every feature.
type Deps struct {
	Platform  platform.Platform
	Store     settings.Store
	Installer AssetInstaller
	Logger    *logrus.Logger
}

// Supported reports whether f may be applied on a device running sdk.
func Supported(f Feature, sdk int) bool {
	return sdk >= f.MinSDK()
}

// DesiredKey is the settings key holding the user's requested state.
func DesiredKey(id string) string {
	return "feature." + id
}

// stateKey holds the last applied state for features without a reliable getter.
func stateKey(id string) string {
	return "feature_state." + id
}
