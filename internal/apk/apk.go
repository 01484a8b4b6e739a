// Package apk reads what the verifier needs from an APK file without
// installing it: the package name and the first signer's certificate.
package apk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	androidapk "github.com/shogo82148/androidbinary/apk"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSignature is returned when neither a signing block nor a v1
	// signature file carries a certificate.
	ErrNoSignature = errors.New("apk carries no signing certificate")
	// ErrMalformed is returned for files that are not readable APKs.
	ErrMalformed = errors.New("malformed apk")
)

// Signature scheme the certificate was taken from.
const (
	SchemeV1 = 1
	SchemeV2 = 2
	SchemeV3 = 3
)

// Info 基础 APK 信息
type Info struct {
	FileName    string
	FileSize    int64
	SHA256      string
	PackageName string
	Scheme      int
	// Certificates of the first signer, DER encoded, leaf first.
	Certificates [][]byte
}

// SignerCertificate is the certificate compared during verification.
func (i *Info) SignerCertificate() []byte {
	if len(i.Certificates) == 0 {
		return nil
	}
	return i.Certificates[0]
}

// ManifestReader returns the package name declared in an APK's manifest.
type ManifestReader func(path string) (string, error)

// Inspector APK 检查器
type Inspector struct {
	logger   *logrus.Logger
	manifest ManifestReader
}

// NewInspector creates an inspector decoding the binary manifest with
// androidbinary.
func NewInspector(logger *logrus.Logger) *Inspector {
	return &Inspector{logger: logger, manifest: readPackageName}
}

// WithManifestReader replaces the manifest decoder.
func (i *Inspector) WithManifestReader(r ManifestReader) *Inspector {
	i.manifest = r
	return i
}

// PackageName reads only the manifest package of path.
func (i *Inspector) PackageName(path string) (string, error) {
	name, err := i.manifest(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return name, nil
}

// Inspect reads the package name and signer certificates of path.
func (i *Inspector) Inspect(path string) (*Info, error) {
	startTime := time.Now()

	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat APK file: %w", err)
	}
	info := &Info{
		FileName: filepath.Base(path),
		FileSize: fileInfo.Size(),
	}

	if info.SHA256, err = fileHash(path); err != nil {
		return nil, fmt.Errorf("failed to hash APK file: %w", err)
	}

	pkg, err := i.manifest(path)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	info.PackageName = pkg

	certs, scheme, err := SignerCertificates(path)
	if err != nil {
		return nil, err
	}
	info.Certificates = certs
	info.Scheme = scheme

	i.logger.WithFields(logrus.Fields{
		"package_name": info.PackageName,
		"scheme":       info.Scheme,
		"duration_ms":  time.Since(startTime).Milliseconds(),
	}).Debug("APK inspected")

	return info, nil
}

// Digest is the lowercase hex SHA-256 of a DER certificate.
func Digest(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// SignerCertificates returns the first signer's certificates, preferring
// the v3 then v2 signing block over the v1 JAR signature.
func SignerCertificates(path string) ([][]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	certs, scheme, err := signingBlockCertificates(f, st.Size())
	switch {
	case err == nil:
		return certs, scheme, nil
	case !errors.Is(err, errNoSigningBlock):
		return nil, 0, err
	}

	certs, err = jarCertificates(f, st.Size())
	if err != nil {
		return nil, 0, err
	}
	return certs, SchemeV1, nil
}

func readPackageName(path string) (string, error) {
	pkg, err := androidapk.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer pkg.Close()

	name := pkg.PackageName()
	if name == "" {
		return "", errors.New("manifest declares no package")
	}
	return name, nil
}

func fileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
