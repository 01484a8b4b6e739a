// sigdigest prints the signing certificate digest of a release APK and the
// obfuscated form embedded into agent builds.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/devicelock/devicelock-agent/internal/apk"
	"github.com/devicelock/devicelock-agent/internal/security"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <release.apk>\n", os.Args[0])
		os.Exit(2)
	}

	certs, scheme, err := apk.SignerCertificates(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read signature: %v\n", err)
		os.Exit(1)
	}
	if len(certs) == 0 {
		fmt.Fprintln(os.Stderr, "apk is not signed")
		os.Exit(1)
	}

	digest := apk.Digest(certs[0])
	fmt.Printf("Signature scheme: v%d\n", scheme)
	fmt.Printf("SHA-256:          %s\n", digest)
	fmt.Printf("Embedded value:   %s\n", hex.EncodeToString(security.Obfuscate(digest)))
}
