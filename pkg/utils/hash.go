package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the hex SHA-256 of data. Used for content hashes and cache keys.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HashString(input string) string {
	return HashBytes([]byte(input))
}

// HashKey joins parts with a separator that cannot appear in UTF-8 text before hashing.
func HashKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0xff})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
