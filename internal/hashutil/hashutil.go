// Package hashutil derives the digests that name records in the disk tier.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex sha256 digest of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
