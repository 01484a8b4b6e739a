package security

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/devicelock/devicelock-agent/internal/apk"
	"github.com/devicelock/devicelock-agent/internal/apk/apktest"
	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/platform/sim"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	ownPackage = "org.devicelock.agent"
	targetPkg  = "org.devicelock.browser"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// MockInspector Mock APK 检查器
type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) Inspect(path string) (*apk.Info, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apk.Info), args.Error(1)
}

type fixture struct {
	dev      *sim.Device
	signer   *apktest.Signer
	apkPath  string
	verifier *Verifier
	metrics  *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := apktest.NewSigner("publisher")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "update.apk")
	require.NoError(t, apktest.Write(path, apktest.Options{
		Scheme:       apktest.V2,
		Certificates: [][]byte{signer.DER()},
	}))

	dev := sim.New(34, ownPackage)
	inspector := apk.NewInspector(quietLogger()).WithManifestReader(func(string) (string, error) {
		return targetPkg, nil
	})
	m := metrics.NewCollector("test")
	return &fixture{
		dev:      dev,
		signer:   signer,
		apkPath:  path,
		verifier: NewVerifier(inspector, dev, nil, quietLogger(), m),
		metrics:  m,
	}
}

func (f *fixture) install(cert []byte) {
	f.dev.AddPackage(platform.PackageInfo{PackageName: targetPkg, SignerCerts: [][]byte{cert}}, nil)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var verr *VerificationError
	require.True(t, errors.As(err, &verr), "expected a VerificationError, got %v", err)
	return verr.Reason
}

func TestVerifyUpdate_Match(t *testing.T) {
	f := newFixture(t)
	f.install(f.signer.DER())

	pkg, err := f.verifier.VerifyUpdate(context.Background(), f.apkPath)
	require.NoError(t, err)
	assert.Equal(t, targetPkg, pkg)
}

func TestVerifyUpdate_NotInstalled(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.VerifyUpdate(context.Background(), f.apkPath)
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Contains(t, reasonOf(t, err), targetPkg)
}

func TestVerifyUpdate_DifferentPublisher(t *testing.T) {
	f := newFixture(t)
	other, err := apktest.NewSigner("someone else")
	require.NoError(t, err)
	f.install(other.DER())

	_, err = f.verifier.VerifyUpdate(context.Background(), f.apkPath)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyUpdate_UnsignedAndUnreadable(t *testing.T) {
	f := newFixture(t)
	f.install(f.signer.DER())
	ctx := context.Background()

	unsigned := filepath.Join(t.TempDir(), "unsigned.apk")
	require.NoError(t, apktest.Write(unsigned, apktest.Options{}))
	_, err := f.verifier.VerifyUpdate(ctx, unsigned)
	assert.ErrorIs(t, err, ErrNoSignature)

	_, err = f.verifier.VerifyUpdate(ctx, filepath.Join(t.TempDir(), "absent.apk"))
	assert.ErrorIs(t, err, ErrUnreadableAPK)
	assert.NotEmpty(t, reasonOf(t, err))
}

func TestVerifyUpdate_InspectorErrors(t *testing.T) {
	dev := sim.New(34, ownPackage)
	insp := new(MockInspector)
	insp.On("Inspect", "broken.apk").Return(nil, errors.New("zip: not a valid zip file"))
	insp.On("Inspect", "nocert.apk").Return(&apk.Info{PackageName: targetPkg}, nil)

	v := NewVerifier(insp, dev, nil, quietLogger(), nil)
	ctx := context.Background()

	_, err := v.VerifyUpdate(ctx, "broken.apk")
	assert.ErrorIs(t, err, ErrUnreadableAPK)

	_, err = v.VerifyUpdate(ctx, "nocert.apk")
	assert.ErrorIs(t, err, ErrNoSignature)

	insp.AssertExpectations(t)
}

func TestVerifyUpdate_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.install(f.signer.DER())
	ctx := context.Background()

	_, _ = f.verifier.VerifyUpdate(ctx, f.apkPath)
	_, _ = f.verifier.VerifyUpdate(ctx, filepath.Join(t.TempDir(), "absent.apk"))

	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "test_apk_verifications_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts[metrics.OutcomeVerified])
	assert.Equal(t, 1.0, counts[metrics.OutcomeRejected])
}

// Flipping any bit pattern of any byte of the installed certificate turns a
// match into a mismatch.
func TestVerifyUpdate_DigestSensitivityProperty(t *testing.T) {
	f := newFixture(t)
	original := f.signer.DER()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("single byte mutation is rejected", prop.ForAll(
		func(pos int, mask uint8) bool {
			mutated := append([]byte(nil), original...)
			mutated[pos%len(mutated)] ^= mask
			f.install(mutated)

			_, err := f.verifier.VerifyUpdate(context.Background(), f.apkPath)
			return errors.Is(err, ErrSignatureMismatch)
		},
		gen.IntRange(0, len(original)-1),
		gen.UInt8Range(1, 255),
	))

	properties.TestingRun(t)
}

func TestIsLegitimate(t *testing.T) {
	signer, err := apktest.NewSigner("release")
	require.NoError(t, err)
	ctx := context.Background()

	dev := sim.New(34, ownPackage)
	dev.AddPackage(platform.PackageInfo{PackageName: ownPackage, SignerCerts: [][]byte{signer.DER()}}, nil)

	official := Obfuscate(apk.Digest(signer.DER()))
	assert.True(t, NewVerifier(nil, dev, official, quietLogger(), nil).IsLegitimate(ctx))

	other := Obfuscate(apk.Digest([]byte("debug certificate")))
	assert.False(t, NewVerifier(nil, dev, other, quietLogger(), nil).IsLegitimate(ctx))

	assert.False(t, NewVerifier(nil, dev, nil, quietLogger(), nil).IsLegitimate(ctx), "development builds are unofficial")

	unsigned := sim.New(34, ownPackage)
	assert.False(t, NewVerifier(nil, unsigned, official, quietLogger(), nil).IsLegitimate(ctx))
}

func TestObfuscateRoundTrip(t *testing.T) {
	digest := apk.Digest([]byte("certificate"))
	hidden := Obfuscate(digest)

	assert.NotContains(t, string(hidden), digest[:8])
	assert.Equal(t, digest, Deobfuscate(hidden))

	assert.Nil(t, OfficialSignature())
}
