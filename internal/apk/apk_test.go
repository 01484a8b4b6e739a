package apk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/devicelock/devicelock-agent/internal/apk/apktest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fixedManifest(pkg string) ManifestReader {
	return func(string) (string, error) { return pkg, nil }
}

func newSigner(t *testing.T, cn string) *apktest.Signer {
	t.Helper()
	s, err := apktest.NewSigner(cn)
	require.NoError(t, err)
	return s
}

func TestDigest(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Digest([]byte("abc")))
}

func TestSignerCertificates_SigningBlock(t *testing.T) {
	dir := t.TempDir()
	signer := newSigner(t, "v2 signer")
	other := newSigner(t, "intermediate")

	for _, tc := range []struct {
		name   string
		scheme apktest.Scheme
		want   int
	}{
		{"v2", apktest.V2, SchemeV2},
		{"v3", apktest.V3, SchemeV3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".apk")
			require.NoError(t, apktest.Write(path, apktest.Options{
				Scheme:       tc.scheme,
				Certificates: [][]byte{signer.DER(), other.DER()},
			}))

			certs, scheme, err := SignerCertificates(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, scheme)
			require.Len(t, certs, 2)
			assert.Equal(t, signer.DER(), certs[0])
		})
	}
}

func TestSignerCertificates_JARFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.apk")
	signer := newSigner(t, "v1 signer")
	require.NoError(t, apktest.Write(path, apktest.Options{Scheme: apktest.V1, Signer: signer}))

	certs, scheme, err := SignerCertificates(path)
	require.NoError(t, err)
	assert.Equal(t, SchemeV1, scheme)
	require.NotEmpty(t, certs)
	assert.Equal(t, signer.DER(), certs[0])
}

func TestSignerCertificates_Unsigned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsigned.apk")
	require.NoError(t, apktest.Write(path, apktest.Options{}))

	_, _, err := SignerCertificates(path)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestSignerCertificates_EmptyCertificateList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.apk")
	require.NoError(t, apktest.Write(path, apktest.Options{Scheme: apktest.V2}))

	_, _, err := SignerCertificates(path)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestSignerCertificates_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.apk")
	require.NoError(t, os.WriteFile(path, []byte("this is not an archive at all, just text"), 0644))

	_, _, err := SignerCertificates(path)
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = SignerCertificates(filepath.Join(t.TempDir(), "missing.apk"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	signer := newSigner(t, "app")
	require.NoError(t, apktest.Write(path, apktest.Options{
		Scheme:       apktest.V2,
		Certificates: [][]byte{signer.DER()},
	}))

	info, err := NewInspector(quietLogger()).WithManifestReader(fixedManifest("com.example.app")).Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", info.PackageName)
	assert.Equal(t, "app.apk", info.FileName)
	assert.Len(t, info.SHA256, 64)
	assert.Equal(t, signer.DER(), info.SignerCertificate())
	assert.Equal(t, Digest(signer.DER()), Digest(info.SignerCertificate()))
}

func TestInspect_ManifestError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, apktest.Write(path, apktest.Options{}))

	failing := func(string) (string, error) { return "", errors.New("bad chunk header") }
	_, err := NewInspector(quietLogger()).WithManifestReader(failing).Inspect(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInspect_BinaryManifestRequired(t *testing.T) {
	// the placeholder manifest is not a valid binary XML document
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, apktest.Write(path, apktest.Options{}))

	_, err := NewInspector(quietLogger()).Inspect(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInspector_PackageName(t *testing.T) {
	name, err := NewInspector(quietLogger()).WithManifestReader(fixedManifest("com.example.app")).PackageName("any.apk")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", name)

	failing := func(string) (string, error) { return "", errors.New("bad xml") }
	_, err = NewInspector(quietLogger()).WithManifestReader(failing).PackageName("any.apk")
	assert.ErrorIs(t, err, ErrMalformed)
}
