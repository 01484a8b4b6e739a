// Package security guards package installation: candidate APKs must be
// signed by the same certificate as the package they replace.
package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/apk"
	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnreadableAPK     = errors.New("apk could not be read")
	ErrNoSignature       = errors.New("apk is not signed")
	ErrNotInstalled      = errors.New("target package is not installed")
	ErrSignatureMismatch = errors.New("signature does not match installed package")
)

// VerificationError carries a user-facing reason for a rejected APK.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func fail(err error, reason string, args ...any) error {
	return &VerificationError{Reason: fmt.Sprintf(reason, args...), Err: err}
}

// Inspector extracts the package name and signer of an APK file.
type Inspector interface {
	Inspect(path string) (*apk.Info, error)
}

// PackageSource resolves installed packages and the agent's own identity.
type PackageSource interface {
	platform.Device
	Package(ctx context.Context, pkg string) (*platform.PackageInfo, error)
}

// Verifier 安装前签名校验
type Verifier struct {
	inspector Inspector
	packages  PackageSource
	official  []byte // obfuscated reference digest of release builds
	metrics   *metrics.Collector
	logger    *logrus.Logger
}

// NewVerifier creates a verifier. official is the obfuscated digest of the
// release signing certificate; an empty value marks every build unofficial.
func NewVerifier(inspector Inspector, packages PackageSource, official []byte, logger *logrus.Logger, m *metrics.Collector) *Verifier {
	return &Verifier{
		inspector: inspector,
		packages:  packages,
		official:  official,
		metrics:   m,
		logger:    logger,
	}
}

// VerifyUpdate checks that the APK at path is signed by the same first
// certificate as the installed package it would replace, and returns that
// package name.
func (v *Verifier) VerifyUpdate(ctx context.Context, path string) (string, error) {
	pkg, err := v.verify(ctx, path)
	log := v.logger.WithField("apk_path", path)
	if err != nil {
		v.metrics.RecordVerification(metrics.OutcomeRejected)
		log.WithError(err).Warn("APK rejected")
		return "", err
	}
	v.metrics.RecordVerification(metrics.OutcomeVerified)
	log.WithField("package", pkg).Info("APK signature verified")
	return pkg, nil
}

func (v *Verifier) verify(ctx context.Context, path string) (string, error) {
	info, err := v.inspector.Inspect(path)
	if err != nil {
		if errors.Is(err, apk.ErrNoSignature) {
			return "", fail(ErrNoSignature, "the file carries no signing certificate")
		}
		return "", fail(fmt.Errorf("%w: %v", ErrUnreadableAPK, err), "the file is not a readable APK")
	}

	candidate := info.SignerCertificate()
	if len(candidate) == 0 {
		return "", fail(ErrNoSignature, "the file carries no signing certificate")
	}

	installed, err := v.packages.Package(ctx, info.PackageName)
	if errors.Is(err, platform.ErrPackageNotFound) {
		return "", fail(ErrNotInstalled, "%s is not installed, nothing to update", info.PackageName)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", info.PackageName, err)
	}
	if len(installed.SignerCerts) == 0 {
		return "", fail(ErrNoSignature, "installed %s reports no signer", info.PackageName)
	}

	if apk.Digest(candidate) != apk.Digest(installed.SignerCerts[0]) {
		return "", fail(ErrSignatureMismatch, "%s is signed by a different publisher", info.PackageName)
	}
	return info.PackageName, nil
}

// IsLegitimate reports whether the running agent is an official build:
// its own signer digest equals the baked-in reference.
func (v *Verifier) IsLegitimate(ctx context.Context) bool {
	if len(v.official) == 0 {
		return false
	}
	own, err := v.packages.Package(ctx, v.packages.OwnPackage())
	if err != nil || len(own.SignerCerts) == 0 {
		v.logger.WithError(err).Debug("Own signer unavailable")
		return false
	}
	return apk.Digest(own.SignerCerts[0]) == Deobfuscate(v.official)
}
