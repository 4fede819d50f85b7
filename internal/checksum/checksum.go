package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func SHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Pair computes a migration checksum: sha256 over the trimmed up body
// concatenated with the trimmed down body. Whitespace outside the bodies
// never affects the result.
func Pair(up, down string) string {
	return SHA256([]byte(strings.TrimSpace(up) + strings.TrimSpace(down)))
}
