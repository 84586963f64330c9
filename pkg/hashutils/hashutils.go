// Package hashutils deterministically shortens identifiers so that they fit
// inside the kernel's name limits (28 bytes for iptables chains, 31 for
// ipsets).
package hashutils

import (
	"crypto/sha256"
	"encoding/base64"
)

// ShortenName returns name unchanged if it already fits in maxLength bytes.
// Otherwise it returns a string of exactly maxLength bytes consisting of a
// prefix of the name followed by '_' and a base64 hash of the full name.
// The hash makes the truncation collision resistant: two distinct long names
// map to distinct short names with overwhelming probability.
func ShortenName(name string, maxLength int) string {
	if len(name) <= maxLength {
		return name
	}
	h := sha256.Sum256([]byte(name))
	// 8 base64 chars carry 48 bits of hash, plenty for the handful of
	// names on one host.
	hash := base64.RawURLEncoding.EncodeToString(h[:])[:8]
	return name[:maxLength-len(hash)-1] + "_" + hash
}
