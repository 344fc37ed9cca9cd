// Package fingerprint computes content digests used as change-detection signals.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the lowercase hex SHA-256 of b.
func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Inline fingerprints an inline script body. Leading and trailing whitespace
// is ignored; ok is false when nothing remains after trimming.
func Inline(text string) (hash string, size int64, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", 0, false
	}
	return Sum([]byte(trimmed)), int64(len(trimmed)), true
}
