// Package apktest builds minimal signed APK files for tests.
package apktest

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"go.mozilla.org/pkcs7"
)

// Scheme selects where the certificate is stored.
type Scheme int

const (
	V1 Scheme = 1
	V2 Scheme = 2
	V3 Scheme = 3
)

const (
	blockIDV2 = 0x7109871a
	blockIDV3 = 0xf05368c0
)

// Signer is a self-signed certificate and its key.
type Signer struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// DER returns the certificate bytes.
func (s *Signer) DER() []byte { return s.Cert.Raw }

// NewSigner creates a self-signed RSA certificate with the given common name.
func NewSigner(commonName string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Signer{Cert: cert, Key: key}, nil
}

// Options describe the APK to write.
type Options struct {
	Scheme Scheme
	// Certificates go into the v2/v3 block verbatim, first signer only.
	Certificates [][]byte
	// Signer produces the v1 PKCS#7 block.
	Signer *Signer
	// Entries are extra zip entries; a placeholder manifest is always added.
	Entries map[string][]byte
}

// Write creates an APK at path.
func Write(path string, opts Options) error {
	data, err := Build(opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Build returns the APK bytes.
func Build(opts Options) ([]byte, error) {
	entries := map[string][]byte{
		"AndroidManifest.xml": []byte("\x03\x00\x08\x00"),
		"classes.dex":         []byte("dex\n035\x00"),
	}
	for k, v := range opts.Entries {
		entries[k] = v
	}

	switch opts.Scheme {
	case V1:
		if opts.Signer == nil {
			return nil, errors.New("v1 needs a signer")
		}
		sd, err := pkcs7.NewSignedData([]byte("Signature-Version: 1.0\r\n"))
		if err != nil {
			return nil, err
		}
		if err := sd.AddSigner(opts.Signer.Cert, opts.Signer.Key, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, err
		}
		sd.Detach()
		block, err := sd.Finish()
		if err != nil {
			return nil, err
		}
		entries["META-INF/CERT.SF"] = []byte("Signature-Version: 1.0\r\n")
		entries["META-INF/CERT.RSA"] = block
		return writeZip(entries)

	case V2, V3:
		archive, err := writeZip(entries)
		if err != nil {
			return nil, err
		}
		id := uint32(blockIDV2)
		if opts.Scheme == V3 {
			id = blockIDV3
		}
		return insertSigningBlock(archive, id, opts.Certificates)

	default:
		return writeZip(entries)
	}
}

func writeZip(entries map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lp(parts ...[]byte) []byte {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	return append(out, body...)
}

func insertSigningBlock(archive []byte, id uint32, certs [][]byte) ([]byte, error) {
	if len(archive) < 22 {
		return nil, errors.New("archive too small")
	}
	eocd := len(archive) - 22
	if binary.LittleEndian.Uint32(archive[eocd:]) != 0x06054b50 {
		return nil, fmt.Errorf("unexpected end of central directory")
	}
	cdOffset := int(binary.LittleEndian.Uint32(archive[eocd+16:]))

	var certSeq []byte
	for _, c := range certs {
		certSeq = append(certSeq, lp(c)...)
	}
	signedData := lp(lp(), lp(certSeq), lp())
	signer := lp(signedData, lp(), lp())
	value := lp(signer)

	pair := binary.LittleEndian.AppendUint64(nil, uint64(len(value)+4))
	pair = binary.LittleEndian.AppendUint32(pair, id)
	pair = append(pair, value...)

	size := uint64(len(pair) + 24)
	block := binary.LittleEndian.AppendUint64(nil, size)
	block = append(block, pair...)
	block = binary.LittleEndian.AppendUint64(block, size)
	block = append(block, "APK Sig Block 42"...)

	out := make([]byte, 0, len(archive)+len(block))
	out = append(out, archive[:cdOffset]...)
	out = append(out, block...)
	out = append(out, archive[cdOffset:]...)

	newEOCD := len(out) - 22
	binary.LittleEndian.PutUint32(out[newEOCD+16:], uint32(cdOffset+len(block)))
	return out, nil
}
