package security

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devicelock/devicelock-agent/internal/feature"
)

// xorKey hides the reference digest from a casual strings(1) look. It is
// not a secret.
var xorKey = []byte{0x5a, 0x3c, 0x91, 0xe7, 0x2d, 0x48, 0xb6, 0x0f, 0x73, 0xc4, 0x19}

// officialSignature is the hex encoded, obfuscated digest of the release
// certificate. Release builds set it with
// -ldflags "-X github.com/devicelock/devicelock-agent/internal/security.officialSignature=..."
// using the output of cmd/sigdigest.
var officialSignature = ""

// OfficialSignature returns the obfuscated reference digest, nil for
// development builds.
func OfficialSignature() []byte {
	if officialSignature == "" {
		return nil
	}
	b, err := hex.DecodeString(officialSignature)
	if err != nil {
		return nil
	}
	return b
}

func xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ xorKey[i%len(xorKey)]
	}
	return out
}

// Obfuscate turns a hex digest into the byte array embedded in builds.
func Obfuscate(digest string) []byte {
	return xor([]byte(digest))
}

// Deobfuscate reverses Obfuscate.
func Deobfuscate(data []byte) string {
	return string(xor(data))
}

// AssertIntegrity checks that the components the agent cannot run without
// are present: every bundled companion APK and the core features.
func AssertIntegrity(assetsDir string, reg *feature.Registry) error {
	for _, name := range feature.Assets {
		st, err := os.Stat(filepath.Join(assetsDir, name))
		if err != nil {
			return fmt.Errorf("integrity: bundled asset %s: %w", name, err)
		}
		if st.IsDir() || st.Size() == 0 {
			return fmt.Errorf("integrity: bundled asset %s is empty", name)
		}
	}
	for _, id := range feature.CoreIDs {
		if _, ok := reg.Get(id); !ok {
			return fmt.Errorf("integrity: core feature %s missing: %w", id, feature.ErrUnknownFeature)
		}
	}
	return nil
}
