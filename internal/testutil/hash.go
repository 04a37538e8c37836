package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string,
// the format the ledger stores partial digests in.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fingerprint returns the "sha256:<hex>" fingerprint a source would attach
// to data.
func Fingerprint(data []byte) string {
	return "sha256:" + SHA256Hex(data)
}

// Content returns n deterministic, non-repeating-looking bytes.
func Content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + i/251) % 256)
	}
	return b
}
