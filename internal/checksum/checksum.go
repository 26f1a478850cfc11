// Package checksum fingerprints package payloads and address files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/starford/racecomms/internal/encpkg"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Package digests a package's ciphertext. Trace and span IDs are excluded, so a
// payload resent under a new trace keeps its digest.
func Package(pkg encpkg.Package) string {
	return Sum(pkg.Ciphertext)
}
