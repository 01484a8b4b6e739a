package apk

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"go.mozilla.org/pkcs7"
)

// APK Signing Block layout, see the Android "APK Signature Scheme v2" docs.
const (
	eocdSignature     = 0x06054b50
	eocdMinSize       = 22
	eocdMaxComment    = 0xffff
	sigBlockMagic     = "APK Sig Block 42"
	sigBlockFooterLen = 24 // uint64 size + 16 byte magic
	sigBlockMaxSize   = 64 << 20

	blockIDV2 = 0x7109871a
	blockIDV3 = 0xf05368c0
)

var errNoSigningBlock = errors.New("no apk signing block")

// signingBlockCertificates returns the first signer's certificates from
// the v3 block, falling back to v2.
func signingBlockCertificates(r io.ReaderAt, size int64) ([][]byte, int, error) {
	cdOffset, err := centralDirectoryOffset(r, size)
	if err != nil {
		return nil, 0, err
	}

	pairs, err := signingBlockPairs(r, cdOffset)
	if err != nil {
		return nil, 0, err
	}

	for _, scheme := range []struct {
		id      uint32
		version int
	}{{blockIDV3, SchemeV3}, {blockIDV2, SchemeV2}} {
		value, ok := pairs[scheme.id]
		if !ok {
			continue
		}
		certs, err := firstSignerCertificates(value)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: v%d block: %v", ErrMalformed, scheme.version, err)
		}
		if len(certs) == 0 {
			return nil, 0, ErrNoSignature
		}
		return certs, scheme.version, nil
	}
	return nil, 0, errNoSigningBlock
}

func centralDirectoryOffset(r io.ReaderAt, size int64) (int64, error) {
	if size < eocdMinSize {
		return 0, fmt.Errorf("%w: file too small", ErrMalformed)
	}
	tailLen := int64(eocdMinSize + eocdMaxComment)
	if tailLen > size {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if _, err := r.ReadAt(tail, size-tailLen); err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for i := len(tail) - eocdMinSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+eocdMinSize+commentLen != len(tail) {
			continue
		}
		cd := int64(binary.LittleEndian.Uint32(tail[i+16:]))
		if cd > size-tailLen+int64(i) {
			return 0, fmt.Errorf("%w: central directory offset out of range", ErrMalformed)
		}
		return cd, nil
	}
	return 0, fmt.Errorf("%w: end of central directory not found", ErrMalformed)
}

// signingBlockPairs reads the ID-value pairs of the block that ends right
// before the central directory.
func signingBlockPairs(r io.ReaderAt, cdOffset int64) (map[uint32][]byte, error) {
	if cdOffset < sigBlockFooterLen+8 {
		return nil, errNoSigningBlock
	}
	footer := make([]byte, sigBlockFooterLen)
	if _, err := r.ReadAt(footer, cdOffset-sigBlockFooterLen); err != nil {
		return nil, errNoSigningBlock
	}
	if string(footer[8:]) != sigBlockMagic {
		return nil, errNoSigningBlock
	}

	blockSize := binary.LittleEndian.Uint64(footer)
	if blockSize < sigBlockFooterLen || blockSize > sigBlockMaxSize || int64(blockSize)+8 > cdOffset {
		return nil, fmt.Errorf("%w: signing block size %d", ErrMalformed, blockSize)
	}
	start := cdOffset - int64(blockSize) - 8

	block := make([]byte, blockSize+8)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if binary.LittleEndian.Uint64(block) != blockSize {
		return nil, fmt.Errorf("%w: signing block size fields disagree", ErrMalformed)
	}

	pairs := make(map[uint32][]byte)
	body := block[8 : len(block)-sigBlockFooterLen]
	for len(body) > 0 {
		if len(body) < 12 {
			return nil, fmt.Errorf("%w: truncated signing block pair", ErrMalformed)
		}
		n := binary.LittleEndian.Uint64(body)
		if n < 4 || n > uint64(len(body)-8) {
			return nil, fmt.Errorf("%w: signing block pair length %d", ErrMalformed, n)
		}
		id := binary.LittleEndian.Uint32(body[8:])
		pairs[id] = body[12 : 8+n]
		body = body[8+n:]
	}
	return pairs, nil
}

// lengthPrefixed splits one uint32-length-prefixed element off buf.
func lengthPrefixed(buf []byte) (elem, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf)
	if uint64(n) > uint64(len(buf)-4) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(buf)-4)
	}
	return buf[4 : 4+n], buf[4+n:], nil
}

// firstSignerCertificates walks signers -> signer -> signed data ->
// certificates of a v2 or v3 block value.
func firstSignerCertificates(value []byte) ([][]byte, error) {
	signers, _, err := lengthPrefixed(value)
	if err != nil {
		return nil, fmt.Errorf("signers: %w", err)
	}
	signer, _, err := lengthPrefixed(signers)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	signedData, _, err := lengthPrefixed(signer)
	if err != nil {
		return nil, fmt.Errorf("signed data: %w", err)
	}
	_, rest, err := lengthPrefixed(signedData) // digests
	if err != nil {
		return nil, fmt.Errorf("digests: %w", err)
	}
	certSeq, _, err := lengthPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("certificates: %w", err)
	}

	var certs [][]byte
	for len(certSeq) > 0 {
		var cert []byte
		cert, certSeq, err = lengthPrefixed(certSeq)
		if err != nil {
			return nil, fmt.Errorf("certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// jarCertificates reads the v1 signature block (META-INF/*.RSA, .DSA, .EC).
func jarCertificates(r io.ReaderAt, size int64) ([][]byte, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var blocks []*zip.File
	for _, f := range zr.File {
		dir, name := path.Split(f.Name)
		if dir != "META-INF/" {
			continue
		}
		switch strings.ToUpper(path.Ext(name)) {
		case ".RSA", ".DSA", ".EC":
			blocks = append(blocks, f)
		}
	}
	if len(blocks) == 0 {
		return nil, ErrNoSignature
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Name < blocks[j].Name })

	data, err := readZipEntry(blocks[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, blocks[0].Name, err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		if len(p7.Certificates) == 0 {
			return nil, ErrNoSignature
		}
		signer = p7.Certificates[0]
	}

	certs := [][]byte{signer.Raw}
	for _, c := range p7.Certificates {
		if !bytes.Equal(c.Raw, signer.Raw) {
			certs = append(certs, c.Raw)
		}
	}
	return certs, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, 1<<20))
}
